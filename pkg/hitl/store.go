package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenure/pkg/models"
)

// DefaultTTL bounds how long an issued confirmation stays redeemable.
const DefaultTTL = 15 * time.Minute

var (
	ErrNotFound  = errors.New("hitl token not found")
	ErrConsumed  = errors.New("hitl token already consumed")
	ErrExpired   = errors.New("hitl token expired")
	ErrWrongTool = errors.New("hitl token issued for a different tool")
)

// Store issues single-use confirmation tokens and consumes them exactly
// once. Consume is an atomic check-and-set: two concurrent calls on the
// same value succeed at most once.
type Store interface {
	Issue(ctx context.Context, toolName string) (models.HITLToken, error)
	Consume(ctx context.Context, value, toolName string) error
}

type memToken struct {
	toolName  string
	issuedAt  time.Time
	expiresAt time.Time
	consumed  bool
}

// MemoryStore keeps tokens in-process behind a mutex.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	tokens map[string]*memToken
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:    ttl,
		now:    time.Now,
		tokens: map[string]*memToken{},
	}
}

func (s *MemoryStore) Issue(ctx context.Context, toolName string) (models.HITLToken, error) {
	now := s.now().UTC()
	tok := models.HITLToken{
		Value:     uuid.NewString(),
		ToolName:  toolName,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.cleanupLocked(now)
	s.tokens[tok.Value] = &memToken{toolName: toolName, issuedAt: now, expiresAt: tok.ExpiresAt}
	s.mu.Unlock()
	return tok, nil
}

func (s *MemoryStore) Consume(ctx context.Context, value, toolName string) error {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[value]
	if !ok {
		return ErrNotFound
	}
	if now.After(tok.expiresAt) {
		delete(s.tokens, value)
		return ErrExpired
	}
	if tok.toolName != toolName {
		return ErrWrongTool
	}
	if tok.consumed {
		return ErrConsumed
	}
	tok.consumed = true
	return nil
}

func (s *MemoryStore) cleanupLocked(now time.Time) {
	for v, tok := range s.tokens {
		if now.After(tok.expiresAt) {
			delete(s.tokens, v)
		}
	}
}
