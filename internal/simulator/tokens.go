package simulator

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenExpired  = errors.New("access token has expired")
)

// session is one issued bearer token. Identity is the activation id for
// activation-scoped tokens and the endpoint id otherwise.
type session struct {
	Token           string
	Identity        string
	ActivationScope bool
	ExpiresAt       time.Time
}

type tokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*session
	ttl    time.Duration
}

func newTokenStore(ttl time.Duration) *tokenStore {
	return &tokenStore{
		tokens: make(map[string]*session),
		ttl:    ttl,
	}
}

func (ts *tokenStore) Issue(identity string, activationScope bool) (*session, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	s := &session{
		Token:           "tk_" + hex.EncodeToString(b),
		Identity:        identity,
		ActivationScope: activationScope,
		ExpiresAt:       time.Now().Add(ts.ttl),
	}

	ts.mu.Lock()
	ts.tokens[s.Token] = s
	ts.mu.Unlock()
	return s, nil
}

func (ts *tokenStore) Validate(token string) (*session, error) {
	ts.mu.RLock()
	s, exists := ts.tokens[token]
	ts.mu.RUnlock()

	if !exists {
		return nil, ErrTokenNotFound
	}
	if time.Now().After(s.ExpiresAt) {
		ts.mu.Lock()
		delete(ts.tokens, token)
		ts.mu.Unlock()
		return nil, ErrTokenExpired
	}
	return s, nil
}

// TTLSeconds is what the token endpoint reports as expires_in.
func (ts *tokenStore) TTLSeconds() int64 {
	return int64(ts.ttl / time.Second)
}
