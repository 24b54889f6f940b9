package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Errorf(KindUnknownSigner, "signer %s has no weight", "GABC").WithWeights(2, 3)
	wrapped := fmt.Errorf("sign transaction: %w", err)

	assert.True(t, errors.Is(wrapped, ErrUnknownSigner))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindUnknownSigner, KindOf(wrapped))

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, uint32(2), e.CurrentWeight)
	assert.Equal(t, uint32(3), e.RequiredWeight)
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindSubmissionExhausted, cause, "3 attempts")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "SubmissionExhausted: 3 attempts: connection reset", err.Error())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "NotFound", ErrNotFound.Error())
	assert.Equal(t, "NotFound: pending transaction x", Errorf(KindNotFound, "pending transaction %s", "x").Error())
	assert.Equal(t, "SettlementFailed: boom", Wrap(KindSettlementFailed, errors.New("boom"), "").Error())
	assert.Equal(t, "database is locked", (&Error{Err: errors.New("database is locked")}).Error())
}

func TestOutcomeUnknown(t *testing.T) {
	assert.True(t, OutcomeUnknown(Errorf(KindConfirmationTimeout, "no terminal status")))
	assert.False(t, OutcomeUnknown(ErrSettlementFailed))
	assert.False(t, OutcomeUnknown(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
