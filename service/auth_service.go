package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/envelope"
	"github.com/layer-3/edupass/ports"
	"github.com/stellar/go/keypair"
	"go.uber.org/zap"
)

const (
	nonceSize          = 48
	webAuthDomainKey   = "web_auth_domain"
	challengeFeePerOp  = 100
	defaultChallengeTT = 300 * time.Second
	defaultSessionTTL  = time.Hour
)

// AuthConfig holds the authenticator settings.
type AuthConfig struct {
	HomeDomain    string
	WebAuthDomain string
	ChallengeTTL  time.Duration
	SessionTTL    time.Duration
}

// AuthService proves control of ledger identities through signed challenges
// and issues session credentials
type AuthService struct {
	serverKey  *keypair.Full
	passphrase string
	profiles   ports.IdentityProfileStore
	issuer     ports.CredentialIssuer
	consumed   ports.ChallengeStore
	cfg        AuthConfig
	clock      *clock.Clock
	metrics    *Metrics
	log        *zap.Logger
}

// NewAuthService creates a new authentication service
func NewAuthService(
	serverKey *keypair.Full,
	passphrase string,
	profiles ports.IdentityProfileStore,
	issuer ports.CredentialIssuer,
	consumed ports.ChallengeStore,
	cfg AuthConfig,
	clk *clock.Clock,
	metrics *Metrics,
	log *zap.Logger,
) *AuthService {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTT
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.WebAuthDomain == "" {
		cfg.WebAuthDomain = cfg.HomeDomain
	}
	if clk == nil {
		clk = &clock.Clock{}
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		serverKey:  serverKey,
		passphrase: passphrase,
		profiles:   profiles,
		issuer:     issuer,
		consumed:   consumed,
		cfg:        cfg,
		clock:      clk,
		metrics:    metrics,
		log:        log,
	}
}

// ServerAccount returns the account id challenges are sourced from.
func (s *AuthService) ServerAccount() string {
	return s.serverKey.Address()
}

// SessionTTL returns the lifetime of issued credentials.
func (s *AuthService) SessionTTL() time.Duration {
	return s.cfg.SessionTTL
}

// GenerateChallenge builds a server-signed challenge envelope for subject.
// Nothing is persisted.
func (s *AuthService) GenerateChallenge(subject string, memo *uint64) (*core.Challenge, error) {
	if err := core.ValidateIdentity(subject); err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.clock.Now()
	expires := now.Add(s.cfg.ChallengeTTL)
	env := &envelope.Envelope{Tx: envelope.Transaction{
		Source:     s.serverKey.Address(),
		Fee:        2 * challengeFeePerOp,
		Sequence:   0,
		TimeBounds: &envelope.TimeBounds{MinTime: now.Unix(), MaxTime: expires.Unix()},
		Memo:       memo,
		Operations: []envelope.Operation{
			{
				Type:   envelope.OpManageData,
				Source: subject,
				ManageData: &envelope.ManageData{
					Name:  s.authKey(),
					Value: []byte(base64.StdEncoding.EncodeToString(nonce)),
				},
			},
			{
				Type:   envelope.OpManageData,
				Source: s.serverKey.Address(),
				ManageData: &envelope.ManageData{
					Name:  webAuthDomainKey,
					Value: []byte(s.cfg.WebAuthDomain),
				},
			},
		},
	}}

	if err := env.Sign(s.passphrase, s.serverKey); err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}
	encoded, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode challenge: %w", err)
	}

	return &core.Challenge{
		Subject:   subject,
		Nonce:     nonce,
		Memo:      memo,
		IssuedAt:  time.Unix(now.Unix(), 0),
		ExpiresAt: time.Unix(expires.Unix(), 0),
		Envelope:  encoded,
		Network:   s.passphrase,
	}, nil
}

// VerifyChallenge checks a challenge signed by claimed and returns the
// verified identity. A challenge is accepted at most once.
func (s *AuthService) VerifyChallenge(ctx context.Context, signed, claimed string) (*core.VerifiedIdentity, error) {
	v, err := s.verifyChallenge(ctx, signed, claimed)
	s.metrics.challenges.WithLabelValues(resultOf(err)).Inc()
	if err != nil {
		s.log.Info("challenge rejected", zap.String("identity", claimed), zap.String("kind", string(core.KindOf(err))), zap.Error(err))
		return nil, err
	}
	return v, nil
}

func (s *AuthService) verifyChallenge(ctx context.Context, signed, claimed string) (*core.VerifiedIdentity, error) {
	if err := core.ValidateIdentity(claimed); err != nil {
		return nil, err
	}

	env, err := envelope.Decode(signed)
	if err != nil {
		return nil, core.Wrap(core.KindMalformedChallenge, err, "decode envelope")
	}
	if err := s.checkStructure(&env.Tx, claimed); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tb := env.Tx.TimeBounds
	if now.Unix() < tb.MinTime || now.Unix() > tb.MaxTime {
		return nil, core.Errorf(core.KindChallengeExpired, "challenge valid from %d to %d", tb.MinTime, tb.MaxTime)
	}

	hash, err := env.Tx.Hash(s.passphrase)
	if err != nil {
		return nil, core.Wrap(core.KindMalformedChallenge, err, "hash envelope")
	}
	if !env.HasSignature(hash, s.serverKey.Address()) {
		return nil, core.Errorf(core.KindMissingServerSignature, "no valid signature by %s", s.serverKey.Address())
	}
	if !env.HasSignature(hash, claimed) {
		return nil, core.Errorf(core.KindMissingClientSignature, "no valid signature by %s", claimed)
	}

	ttl := time.Unix(tb.MaxTime, 0).Sub(now) + time.Second
	fresh, err := s.consumed.ConsumeChallenge(ctx, hex.EncodeToString(hash[:]), ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to check challenge replay: %w", err)
	}
	if !fresh {
		return nil, core.Errorf(core.KindChallengeReplayed, "challenge already used")
	}

	profile, err := s.profiles.ProfileOf(ctx, claimed)
	if errors.Is(err, ports.ErrProfileNotFound) {
		return nil, core.Wrap(core.KindUnknownIdentity, err, "no local profile")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	return &core.VerifiedIdentity{
		Identity: claimed,
		Role:     profile.Role,
		UserID:   profile.UserID,
		Memo:     env.Tx.Memo,
	}, nil
}

// checkStructure validates everything about the challenge that does not
// depend on time or signatures.
func (s *AuthService) checkStructure(tx *envelope.Transaction, claimed string) error {
	malformed := func(format string, args ...interface{}) error {
		return core.Errorf(core.KindMalformedChallenge, format, args...)
	}
	server := s.serverKey.Address()

	if tx.Source != server {
		return malformed("source account %s is not the server account", tx.Source)
	}
	if tx.Sequence != 0 {
		return malformed("sequence number %d is not zero", tx.Sequence)
	}
	if tx.TimeBounds == nil || tx.TimeBounds.MaxTime == 0 {
		return malformed("challenge has no time bounds")
	}
	if len(tx.Operations) < 2 {
		return malformed("challenge has %d operations, need at least 2", len(tx.Operations))
	}

	first := tx.Operations[0]
	if first.Type != envelope.OpManageData {
		return malformed("first operation is %s, not manage_data", first.Type)
	}
	if first.Source != claimed {
		return malformed("first operation is not sourced by %s", claimed)
	}
	if first.ManageData.Name != s.authKey() {
		return malformed("first operation key %q is not %q", first.ManageData.Name, s.authKey())
	}
	if len(first.ManageData.Value) != base64.StdEncoding.EncodedLen(nonceSize) {
		return malformed("nonce has %d bytes", len(first.ManageData.Value))
	}

	for i, op := range tx.Operations[1:] {
		if op.Type != envelope.OpManageData || op.Source != server {
			return malformed("operation %d is not a server manage_data entry", i+1)
		}
		if op.ManageData.Name == webAuthDomainKey && string(op.ManageData.Value) != s.cfg.WebAuthDomain {
			return malformed("web auth domain %q does not match", op.ManageData.Value)
		}
	}
	second := tx.Operations[1].ManageData
	if second.Name != webAuthDomainKey {
		return malformed("second operation key %q is not %q", second.Name, webAuthDomainKey)
	}
	return nil
}

// GenerateSessionCredential issues a signed credential for a verified
// identity. It is not stored.
func (s *AuthService) GenerateSessionCredential(v *core.VerifiedIdentity) (*core.Credential, error) {
	now := time.Unix(s.clock.Now().Unix(), 0)
	cred := &core.Credential{
		ID:        uuid.New().String(),
		Identity:  v.Identity,
		UserID:    v.UserID,
		Role:      v.Role,
		Issuer:    s.cfg.WebAuthDomain,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}

	token, err := s.issuer.Issue(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	cred.Token = token

	s.log.Info("session credential issued", zap.String("identity", v.Identity), zap.String("jti", cred.ID))
	return cred, nil
}

// ValidateCredential parses a bearer token back into its credential.
func (s *AuthService) ValidateCredential(token string) (*core.Credential, error) {
	return s.issuer.Parse(token)
}

func (s *AuthService) authKey() string {
	return s.cfg.HomeDomain + " auth"
}
