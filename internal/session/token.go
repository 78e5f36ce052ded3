package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("session: token required")
	ErrMissingUserID = errors.New("session: user id required")
	ErrInvalidToken  = errors.New("session: invalid token")
	ErrExpiredToken  = errors.New("session: token expired")
	ErrNoSession     = errors.New("session: no stored session")
)

// TokenInfo is what the client can learn from a bearer token without the signing key.
type TokenInfo struct {
	Subject   string
	UserID    string
	ExpiresAt time.Time
}

// tokenClaims mirrors the payload the marketplace backend signs. userId is numeric on the
// wire but tolerated as a string.
type tokenClaims struct {
	UserID flexibleID `json:"userId"`
	jwt.RegisteredClaims
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(value))
		return nil
	}
	number, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fmt.Errorf("session: unsupported userId claim %s", trimmed)
	}
	*f = flexibleID(strconv.FormatInt(int64(number), 10))
	return nil
}

// InspectToken decodes the claims of a JWT without verifying its signature. The client never
// holds the signing key; verification stays with the backend. An exp claim in the past yields
// ErrExpiredToken.
func InspectToken(token string, now time.Time) (TokenInfo, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return TokenInfo{}, ErrMissingToken
	}

	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	info := TokenInfo{
		Subject: strings.TrimSpace(claims.Subject),
		UserID:  string(claims.UserID),
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time.UTC()
		if !now.Before(info.ExpiresAt) {
			return info, ErrExpiredToken
		}
	}
	return info, nil
}
