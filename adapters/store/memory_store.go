package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/ports"
)

// MemoryStore is an in-memory implementation of the ChallengeStore interface
type MemoryStore struct {
	consumed map[string]time.Time
	clock    *clock.Clock
	mu       sync.Mutex
}

// NewMemoryStore creates a new in-memory store. A nil clock follows real time.
func NewMemoryStore(clk *clock.Clock) ports.ChallengeStore {
	if clk == nil {
		clk = &clock.Clock{}
	}
	return &MemoryStore{
		consumed: make(map[string]time.Time),
		clock:    clk,
	}
}

// ConsumeChallenge marks a nonce as used until ttl elapses
func (s *MemoryStore) ConsumeChallenge(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.sweep(now)

	if expiry, exists := s.consumed[nonce]; exists && now.Before(expiry) {
		return false, nil
	}
	s.consumed[nonce] = now.Add(ttl)
	return true, nil
}

// sweep drops expired entries; callers hold mu.
func (s *MemoryStore) sweep(now time.Time) {
	for nonce, expiry := range s.consumed {
		if !now.Before(expiry) {
			delete(s.consumed, nonce)
		}
	}
}
