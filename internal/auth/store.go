package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenExpiry is how long an issued token remains valid for the WebSocket
// upgrade. It is independent of the session duration the token carries.
const TokenExpiry = 30 * time.Second

// ErrInvalidToken is returned for missing, already-used, and expired tokens
// alike. Callers are never told which case applied.
var ErrInvalidToken = errors.New("invalid token")

// sessionToken holds the issuance time and the session duration (seconds)
// that the consuming WebSocket session will be allowed to run for.
type sessionToken struct {
	createdAt time.Time
	duration  int
}

// TokenStore issues and consumes single-use session tokens that gate the
// WebSocket upgrade. Each server owns exactly one store; tests construct
// isolated instances.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]sessionToken
	now    func() time.Time
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]sessionToken),
		now:    time.Now,
	}
}

// Issue generates a fresh token carrying the given session duration in
// seconds. Expired entries are swept opportunistically on each call; there
// is no background cleanup timer.
func (s *TokenStore) Issue(duration int) string {
	token := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, t := range s.tokens {
		if now.Sub(t.createdAt) > TokenExpiry {
			delete(s.tokens, key)
		}
	}

	s.tokens[token] = sessionToken{createdAt: now, duration: duration}
	return token
}

// Consume validates and removes a token, returning its session duration in
// seconds. Removal happens before the expiry check, so a token can succeed
// at most once even under concurrent callers; an expired-but-unswept token
// is removed and still reported invalid.
func (s *TokenStore) Consume(token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return 0, ErrInvalidToken
	}
	delete(s.tokens, token)

	if s.now().Sub(t.createdAt) > TokenExpiry {
		return 0, ErrInvalidToken
	}
	return t.duration, nil
}

// Pending returns the number of tokens currently held, including entries
// that have expired but have not been swept yet.
func (s *TokenStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
