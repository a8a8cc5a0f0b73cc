package domain

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Profile is the public profile attached to a user account.
type Profile struct {
	// ID equals the user id of the owning account.
	ID        string
	Username  string
	Website   string
	AvatarURL string
	UpdatedAt time.Time
}

// Session is an authenticated user session issued by the auth service.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	Email        string
}

// Expired reports whether the access token has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// TokenClaims is the subset of access token claims the client relies on.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseTokenClaims reads the subject and expiry from an access token without
// verifying its signature. The token was issued to us by the auth service and
// is only inspected locally; the store verifies it on every request.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	tc := &TokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		tc.ExpiresAt = claims.ExpiresAt.Time
	}
	return tc, nil
}
