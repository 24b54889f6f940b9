package ports

import (
	"context"
	"time"
)

// ChallengeStore remembers consumed challenge nonces until they expire
type ChallengeStore interface {
	// ConsumeChallenge marks nonce as used for ttl. It reports false when the
	// nonce was already consumed.
	ConsumeChallenge(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}
