package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/edupass/adapters/store"
	"github.com/layer-3/edupass/adapters/tokenizer"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/envelope"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authFixture struct {
	svc    *AuthService
	clock  *clock.Clock
	server *keypair.Full
	client *keypair.Full
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_700_000_000, 0))

	server, err := keypair.Random()
	require.NoError(t, err)
	client, err := keypair.Random()
	require.NoError(t, err)
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	profiles := store.NewMemoryProfileStore(core.Profile{Identity: client.Address(), Role: core.RoleBeneficiary, UserID: 7})
	cfg := AuthConfig{HomeDomain: "edupass.test", WebAuthDomain: "auth.edupass.test"}
	svc := NewAuthService(
		server,
		network.TestNetworkPassphrase,
		profiles,
		tokenizer.NewJWTTokenizer(signKey, cfg.WebAuthDomain, clk),
		store.NewMemoryStore(clk),
		cfg,
		clk,
		nil,
		nil,
	)
	return &authFixture{svc: svc, clock: clk, server: server, client: client}
}

// countersign adds signatures by kps to the challenge envelope.
func countersign(t *testing.T, encoded string, kps ...*keypair.Full) string {
	t.Helper()
	env, err := envelope.Decode(encoded)
	require.NoError(t, err)
	require.NoError(t, env.Sign(network.TestNetworkPassphrase, kps...))
	out, err := envelope.Encode(env)
	require.NoError(t, err)
	return out
}

func TestChallengeShape(t *testing.T) {
	f := newAuthFixture(t)
	memo := uint64(42)

	ch, err := f.svc.GenerateChallenge(f.client.Address(), &memo)
	require.NoError(t, err)
	assert.Equal(t, network.TestNetworkPassphrase, ch.Network)
	assert.Len(t, ch.Nonce, 48)
	assert.Equal(t, 300*time.Second, ch.ExpiresAt.Sub(ch.IssuedAt))

	env, err := envelope.Decode(ch.Envelope)
	require.NoError(t, err)
	tx := env.Tx
	assert.Equal(t, f.server.Address(), tx.Source)
	assert.Zero(t, tx.Sequence)
	require.Len(t, tx.Operations, 2)
	assert.Equal(t, f.client.Address(), tx.Operations[0].Source)
	assert.Equal(t, "edupass.test auth", tx.Operations[0].ManageData.Name)
	assert.Len(t, tx.Operations[0].ManageData.Value, 64)
	assert.Equal(t, base64.StdEncoding.EncodeToString(ch.Nonce), string(tx.Operations[0].ManageData.Value))
	assert.Equal(t, "web_auth_domain", tx.Operations[1].ManageData.Name)
	assert.Equal(t, "auth.edupass.test", string(tx.Operations[1].ManageData.Value))
	assert.Equal(t, &memo, tx.Memo)

	signed, err := env.SignedBy(network.TestNetworkPassphrase, f.server.Address())
	require.NoError(t, err)
	assert.True(t, signed)

	_, err = f.svc.GenerateChallenge("GBAD", nil)
	assert.True(t, errors.Is(err, core.ErrInvalidIdentity))
}

func TestVerifyChallengeAndIssueCredential(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	ch, err := f.svc.GenerateChallenge(f.client.Address(), nil)
	require.NoError(t, err)
	signed := countersign(t, ch.Envelope, f.client)

	v, err := f.svc.VerifyChallenge(ctx, signed, f.client.Address())
	require.NoError(t, err)
	assert.Equal(t, f.client.Address(), v.Identity)
	assert.Equal(t, core.RoleBeneficiary, v.Role)
	assert.Equal(t, int64(7), v.UserID)

	cred, err := f.svc.GenerateSessionCredential(v)
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Token)
	assert.Equal(t, time.Hour, cred.ExpiresAt.Sub(cred.IssuedAt))

	parsed, err := f.svc.ValidateCredential(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, f.client.Address(), parsed.Identity)
	assert.Equal(t, "auth.edupass.test", parsed.Issuer)
	assert.Equal(t, cred.ID, parsed.ID)

	_, err = f.svc.VerifyChallenge(ctx, signed, f.client.Address())
	assert.True(t, errors.Is(err, core.ErrChallengeReplayed), "got %v", err)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	f := newAuthFixture(t)
	ch, err := f.svc.GenerateChallenge(f.client.Address(), nil)
	require.NoError(t, err)
	signed := countersign(t, ch.Envelope, f.client)

	f.clock.Advance(301 * time.Second)
	_, err = f.svc.VerifyChallenge(context.Background(), signed, f.client.Address())
	assert.True(t, errors.Is(err, core.ErrChallengeExpired), "got %v", err)
}

func TestVerifyChallengeRejections(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	stranger, err := keypair.Random()
	require.NoError(t, err)

	ch, err := f.svc.GenerateChallenge(f.client.Address(), nil)
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := f.svc.VerifyChallenge(ctx, "not an envelope", f.client.Address())
		assert.True(t, errors.Is(err, core.ErrMalformedChallenge))
	})

	t.Run("other identity", func(t *testing.T) {
		_, err := f.svc.VerifyChallenge(ctx, countersign(t, ch.Envelope, stranger), stranger.Address())
		assert.True(t, errors.Is(err, core.ErrMalformedChallenge))
	})

	t.Run("client signature missing", func(t *testing.T) {
		_, err := f.svc.VerifyChallenge(ctx, ch.Envelope, f.client.Address())
		assert.True(t, errors.Is(err, core.ErrMissingClientSignature))
	})

	t.Run("client signature by someone else", func(t *testing.T) {
		_, err := f.svc.VerifyChallenge(ctx, countersign(t, ch.Envelope, stranger), f.client.Address())
		assert.True(t, errors.Is(err, core.ErrMissingClientSignature))
	})

	t.Run("server signature missing", func(t *testing.T) {
		env, err := envelope.Decode(ch.Envelope)
		require.NoError(t, err)
		env.Signatures = nil
		stripped, err := envelope.Encode(env)
		require.NoError(t, err)

		_, err = f.svc.VerifyChallenge(ctx, countersign(t, stripped, f.client), f.client.Address())
		assert.True(t, errors.Is(err, core.ErrMissingServerSignature))
	})

	t.Run("foreign server", func(t *testing.T) {
		env, err := envelope.Decode(ch.Envelope)
		require.NoError(t, err)
		env.Tx.Source = stranger.Address()
		env.Signatures = nil
		forged, err := envelope.Encode(env)
		require.NoError(t, err)

		_, err = f.svc.VerifyChallenge(ctx, countersign(t, forged, stranger, f.client), f.client.Address())
		assert.True(t, errors.Is(err, core.ErrMalformedChallenge))
	})
}

func TestVerifyUnknownIdentity(t *testing.T) {
	f := newAuthFixture(t)
	unknown, err := keypair.Random()
	require.NoError(t, err)

	ch, err := f.svc.GenerateChallenge(unknown.Address(), nil)
	require.NoError(t, err)
	_, err = f.svc.VerifyChallenge(context.Background(), countersign(t, ch.Envelope, unknown), unknown.Address())
	assert.True(t, errors.Is(err, core.ErrUnknownIdentity), "got %v", err)
}
