package share

import (
	"context"
	"sync"
	"time"

	"stash/internal/errs"
)

// MemoryTokenStore keeps tokens in process memory. This matches single-node
// deployments; tokens are ephemeral by contract so losing them on restart is
// acceptable.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryTokenStore constructs an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

func (s *MemoryTokenStore) Insert(ctx context.Context, t Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[t.Value]; ok {
		return errs.New("share.Insert", errs.ErrConflict, "token value taken")
	}
	s.tokens[t.Value] = t
	return nil
}

func (s *MemoryTokenStore) Get(ctx context.Context, value string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return Token{}, errs.New("share.Get", errs.ErrNotFound, "token")
	}
	return t, nil
}

func (s *MemoryTokenStore) Delete(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.tokens, value)
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for v, t := range s.tokens {
		if !t.ExpiresAt.After(now) {
			delete(s.tokens, v)
			n++
		}
	}
	return n, nil
}
