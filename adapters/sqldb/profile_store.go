package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
)

// ProfileStore handles identity profile persistence.
type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) ports.IdentityProfileStore {
	return &ProfileStore{db: db}
}

// ProfileOf returns the profile of identity.
func (s *ProfileStore) ProfileOf(ctx context.Context, identity string) (*core.Profile, error) {
	const q = `
		SELECT identity, role, user_id
		FROM identity_profiles
		WHERE identity = $1
	`
	var (
		p    core.Profile
		role string
	)
	err := s.db.QueryRowContext(ctx, q, identity).Scan(&p.Identity, &role, &p.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", identity, ports.ErrProfileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.Role = core.Role(role)
	return &p, nil
}

// PutProfile inserts or replaces a profile.
func (s *ProfileStore) PutProfile(ctx context.Context, p core.Profile) error {
	const q = `
		INSERT INTO identity_profiles (identity, role, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET role = excluded.role, user_id = excluded.user_id
	`
	if _, err := s.db.ExecContext(ctx, q, p.Identity, string(p.Role), p.UserID); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
