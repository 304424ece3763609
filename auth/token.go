// Package auth implements the Token Provider: single-flight OAuth
// refresh against TradeStation, encrypted credential storage, and
// terminal-failure purge of credentials the upstream has rejected.
package auth

import (
	"context"
	"errors"
	"time"
)

// Token is the bearer credential handed to the Upstream Requester.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Expired reports whether the token is at or past its expiry, with a
// small safety margin so a request doesn't race the upstream's own
// clock.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-5 * time.Second))
}

// Provider is the Token Provider contract the rest of the gateway
// depends on. GetToken returns a usable access token, refreshing it
// transparently if it is expired, or ErrNotFound when no credential is
// stored for the user. Refresh forces a refresh
// regardless of the cached token's expiry, used after the upstream
// rejects a token with 401.
type Provider interface {
	GetToken(ctx context.Context, userID string) (Token, error)
	Refresh(ctx context.Context, userID string) (Token, error)
}

// ErrTerminal is wrapped by Refresh when the refresh token itself is no
// longer usable (revoked, or associated with a different client) and
// the caller must require the user to re-authorize rather than retry.
var ErrTerminal = errors.New("credential requires re-authorization")

// ErrNotFound is returned when no credential record exists for a user.
var ErrNotFound = errors.New("no stored credential for user")
