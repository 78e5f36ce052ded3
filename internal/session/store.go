package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"gorm.io/gorm"
)

// StoreConfig describes the dependencies required by the session store.
type StoreConfig struct {
	Database *gorm.DB
	Profile  string
	Clock    func() time.Time
}

// Store persists session credentials per profile and serves them as Credentials.
type Store struct {
	db      *gorm.DB
	profile string
	now     func() time.Time
	cache   sync.Map
}

// NewStore constructs the session store. The schema is expected to be migrated already.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("session: database connection required")
	}
	profile := normalize(cfg.Profile)
	if profile == "" {
		return nil, fmt.Errorf("session: profile required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, profile: profile, now: clock}, nil
}

// Save stores a token for the profile. When userID is empty it is taken from the token's
// userId claim, falling back to the subject.
func (s *Store) Save(ctx context.Context, token, userID string) (Session, error) {
	token = normalize(strings.TrimPrefix(normalize(token), "Bearer "))
	if token == "" {
		return Session{}, ErrMissingToken
	}
	record := Session{
		Profile: s.profile,
		Token:   token,
		UserID:  normalize(userID),
		SavedAt: s.now().UTC(),
	}

	info, err := InspectToken(token, s.now())
	switch {
	case errors.Is(err, ErrExpiredToken):
		return Session{}, err
	case err == nil:
		record.ExpiresAt = info.ExpiresAt
		if record.UserID == "" {
			record.UserID = info.UserID
		}
		if record.UserID == "" {
			record.UserID = info.Subject
		}
	}
	if record.UserID == "" {
		return Session{}, ErrMissingUserID
	}

	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return Session{}, err
	}
	s.cache.Store(s.profile, record)
	return record, nil
}

// Load returns the stored session for the profile.
func (s *Store) Load(ctx context.Context) (Session, error) {
	if cached, ok := s.cache.Load(s.profile); ok {
		if record, ok := cached.(Session); ok {
			return record, nil
		}
	}
	var record Session
	err := s.db.WithContext(ctx).Where("profile = ?", s.profile).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	s.cache.Store(s.profile, record)
	return record, nil
}

// Clear removes the stored session, e.g. on logout or after an auth failure.
func (s *Store) Clear(ctx context.Context) error {
	s.cache.Delete(s.profile)
	return s.db.WithContext(ctx).Where("profile = ?", s.profile).Delete(&Session{}).Error
}

// Token implements Credentials.
func (s *Store) Token(ctx context.Context) (string, error) {
	record, err := s.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return "", apperr.Auth("not signed in", err)
	}
	if err != nil {
		return "", err
	}
	if !record.ExpiresAt.IsZero() && !s.now().Before(record.ExpiresAt) {
		return "", apperr.Auth("session expired", ErrExpiredToken)
	}
	return record.Token, nil
}

// UserID implements Credentials.
func (s *Store) UserID(ctx context.Context) (string, error) {
	record, err := s.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return "", apperr.Auth("not signed in", err)
	}
	if err != nil {
		return "", err
	}
	return record.UserID, nil
}
