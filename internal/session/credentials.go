package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
)

// Credentials supplies the bearer token and user id for outgoing calls. It is injected into
// every component that talks to the backend instead of being looked up globally.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	UserID(ctx context.Context) (string, error)
}

// Static is an in-memory Credentials implementation.
type Static struct {
	mu     sync.RWMutex
	token  string
	userID string
	clock  func() time.Time
}

// NewStatic returns credentials fixed at construction time.
func NewStatic(token, userID string) *Static {
	return &Static{token: normalize(token), userID: normalize(userID), clock: time.Now}
}

// Set swaps the stored credential, e.g. after a re-authentication flow.
func (s *Static) Set(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = normalize(token)
	s.userID = normalize(userID)
}

// Token returns the bearer token or an auth failure when it is missing or visibly expired.
func (s *Static) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", apperr.Auth("missing session token", ErrMissingToken)
	}
	if err := checkExpiry(token, s.clock()); err != nil {
		return "", err
	}
	return token, nil
}

// UserID returns the signed-in user id.
func (s *Static) UserID(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", apperr.Auth("missing user id", ErrMissingUserID)
	}
	return s.userID, nil
}

// checkExpiry rejects tokens whose exp claim has passed. Opaque (non-JWT) tokens are passed
// through and left for the backend to judge.
func checkExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	if _, err := InspectToken(token, now); errors.Is(err, ErrExpiredToken) {
		return apperr.Auth("session expired", err)
	}
	return nil
}
