package driven

import (
	"context"
	"encoding/json"
	"errors"

	"go.etcd.io/bbolt"

	"github.com/patrickcook28/tradestation-server-sub000/internal/port/driven"
)

const credentialsBucket = "credentials"

// CredentialBoltDBRepository implements the CredentialRepository port
// using BoltDB, one record per user keyed by user ID.
type CredentialBoltDBRepository struct {
	db *bbolt.DB
}

// NewCredentialBoltDBRepository creates a new BoltDB-backed credential
// repository, creating the backing bucket if it doesn't exist.
func NewCredentialBoltDBRepository(db *bbolt.DB) (*CredentialBoltDBRepository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(credentialsBucket))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &CredentialBoltDBRepository{db: db}, nil
}

// credentialDTO is used for JSON serialization.
type credentialDTO struct {
	AccessTokenSealed  []byte `json:"access_token_sealed"`
	RefreshTokenSealed []byte `json:"refresh_token_sealed"`
	ExpiresAt          int64  `json:"expires_at"`
	PlaintextLegacy    bool   `json:"plaintext_legacy,omitempty"`
}

// Get retrieves a credential record by user ID.
func (r *CredentialBoltDBRepository) Get(ctx context.Context, userID string) (driven.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return driven.CredentialRecord{}, err
	}

	var record driven.CredentialRecord

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return errors.New("credentials bucket not found")
		}

		data := bucket.Get([]byte(userID))
		if data == nil {
			return driven.ErrCredentialNotFound
		}

		var dto credentialDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return err
		}

		record = driven.CredentialRecord{
			UserID:             userID,
			AccessTokenSealed:  dto.AccessTokenSealed,
			RefreshTokenSealed: dto.RefreshTokenSealed,
			ExpiresAt:          unixToTime(dto.ExpiresAt),
			PlaintextLegacy:    dto.PlaintextLegacy,
		}
		return nil
	})

	return record, err
}

// Put persists a credential record, overwriting any existing one for
// the same user.
func (r *CredentialBoltDBRepository) Put(ctx context.Context, record driven.CredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dto := credentialDTO{
		AccessTokenSealed:  record.AccessTokenSealed,
		RefreshTokenSealed: record.RefreshTokenSealed,
		ExpiresAt:          record.ExpiresAt.Unix(),
		PlaintextLegacy:    record.PlaintextLegacy,
	}
	data, err := json.Marshal(dto)
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return errors.New("credentials bucket not found")
		}
		return bucket.Put([]byte(record.UserID), data)
	})
}

// Delete removes a user's credential record, used on terminal refresh
// failure (revoked grant, client-ID mismatch).
func (r *CredentialBoltDBRepository) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return errors.New("credentials bucket not found")
		}
		return bucket.Delete([]byte(userID))
	})
}
