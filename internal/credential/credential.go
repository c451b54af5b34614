// Package credential persists the bearer credential used for the WebSocket
// handshake and REST calls. The credential is opaque to the sync layer; when
// it happens to be a JWT its expiry is honored so that a dead token is never
// presented.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotFound is returned by Load when no credential is stored.
var ErrNotFound = errors.New("credential: not found")

// Store keeps a single credential.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Claims is the subset of JWT claims the client looks at.
type Claims struct {
	Subject   string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Inspect reads the claims of a JWT without verifying its signature; the
// server is the only party that can verify it.
func Inspect(token string) (Claims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("credential: inspect: %w", err)
	}
	c := Claims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c, nil
}

// Expired reports whether token is a JWT whose exp claim lies before now.
// Tokens that are not JWTs never expire client-side.
func Expired(token string, now time.Time) bool {
	c, err := Inspect(token)
	if err != nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// LoadValid loads the stored credential and purges it when it has expired.
// ErrNotFound is returned for both a missing and a purged credential.
func LoadValid(ctx context.Context, s Store, now time.Time) (string, error) {
	token, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if Expired(token, now) {
		if err := s.Clear(ctx); err != nil {
			return "", fmt.Errorf("credential: purge expired: %w", err)
		}
		return "", ErrNotFound
	}
	return token, nil
}
