// Package driven declares the ports the application layer depends on
// and that concrete adapters (in internal/adapter/driven) implement.
package driven

import (
	"context"
	"errors"
	"time"
)

// ErrCredentialNotFound is returned by CredentialRepository.Get when no
// record exists for the given user.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialRecord is the persisted shape of a user's OAuth credential.
// AccessTokenSealed and RefreshTokenSealed are AEAD-sealed envelopes
// (see auth.sealer); PlaintextLegacy marks a record written before
// encryption was introduced, read once and re-sealed on next write.
type CredentialRecord struct {
	UserID             string
	AccessTokenSealed  []byte
	RefreshTokenSealed []byte
	ExpiresAt          time.Time
	PlaintextLegacy    bool
}

// CredentialRepository is the Token Provider's storage port.
type CredentialRepository interface {
	Get(ctx context.Context, userID string) (CredentialRecord, error)
	Put(ctx context.Context, record CredentialRecord) error
	Delete(ctx context.Context, userID string) error
}
