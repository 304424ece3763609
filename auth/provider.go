package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/patrickcook28/tradestation-server-sub000/internal/port/driven"
	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/metrics"
)

// CredentialStore is the Token Provider's storage dependency. It is
// satisfied directly by internal/port/driven.CredentialRepository;
// sealing/unsealing happens inside this package so adapters never see
// plaintext tokens.
type CredentialStore = driven.CredentialRepository

// Record is an alias for the repository's persisted record shape.
type Record = driven.CredentialRecord

// TradeStationProvider is the concrete Token Provider: it coalesces
// concurrent refreshes for the same user through a singleflight.Group,
// so a burst of subscribers hitting an expired token triggers exactly
// one upstream refresh call.
type TradeStationProvider struct {
	store  CredentialStore
	oauth  *oauthClient
	seal   *sealer
	logger *logging.Logger

	inflight singleflight.Group
}

// NewTradeStationProvider builds a Provider backed by store, sealing
// tokens at rest with encryptionKey (32 bytes).
func NewTradeStationProvider(store CredentialStore, tokenURL, clientID, clientSecret string, encryptionKey []byte, logger *logging.Logger) (*TradeStationProvider, error) {
	s, err := newSealer(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &TradeStationProvider{
		store:  store,
		oauth:  newOAuthClient(tokenURL, clientID, clientSecret),
		seal:   s,
		logger: logger,
	}, nil
}

// GetToken returns a usable access token for userID, refreshing
// transparently if the stored one is expired. It returns ErrNotFound
// when no credential record exists for userID.
func (p *TradeStationProvider) GetToken(ctx context.Context, userID string) (Token, error) {
	record, err := p.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, driven.ErrCredentialNotFound) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}

	accessPlain, err := p.unsealAccess(record)
	if err != nil {
		return Token{}, err
	}

	tok := Token{AccessToken: accessPlain, ExpiresAt: record.ExpiresAt}
	if !tok.Expired(time.Now()) {
		return tok, nil
	}

	return p.Refresh(ctx, userID)
}

// Refresh forces a refresh of userID's token regardless of the cached
// token's expiry. Concurrent calls for the same userID share one
// upstream round trip.
func (p *TradeStationProvider) Refresh(ctx context.Context, userID string) (Token, error) {
	v, err, _ := p.inflight.Do(userID, func() (interface{}, error) {
		return p.doRefresh(ctx, userID)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (p *TradeStationProvider) doRefresh(ctx context.Context, userID string) (Token, error) {
	record, err := p.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, driven.ErrCredentialNotFound) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}

	refreshPlain, err := p.unsealRefresh(record)
	if err != nil {
		return Token{}, err
	}

	access, rotatedRefresh, expiresAt, err := p.oauth.refresh(ctx, refreshPlain)
	if err != nil {
		var rerr *refreshError
		if errors.As(err, &rerr) && rerr.kind == refreshErrorTerminal {
			if delErr := p.store.Delete(ctx, userID); delErr != nil {
				p.logIfPresent(func(l *logging.Logger) {
					l.Error("failed to purge terminal credential", map[string]interface{}{"userID": userID, "error": delErr.Error()})
				})
			}
			p.logIfPresent(func(l *logging.Logger) {
				l.LogTokenRefreshFailed(userID, rerr.msg)
			})
			metrics.RecordTokenRefresh("terminal")
			return Token{}, fmt.Errorf("%w: %s", ErrTerminal, rerr.msg)
		}
		metrics.RecordTokenRefresh("failed")
		return Token{}, err
	}

	sealedAccess, err := p.seal.seal([]byte(access))
	if err != nil {
		return Token{}, err
	}
	sealedRefresh, err := p.seal.seal([]byte(rotatedRefresh))
	if err != nil {
		return Token{}, err
	}

	updated := Record{
		UserID:             userID,
		AccessTokenSealed:  sealedAccess,
		RefreshTokenSealed: sealedRefresh,
		ExpiresAt:          expiresAt,
	}
	if err := p.store.Put(ctx, updated); err != nil {
		return Token{}, err
	}

	p.logIfPresent(func(l *logging.Logger) {
		l.LogMuxEvent(logging.EventTokenRefresh, userID, nil)
	})
	metrics.RecordTokenRefresh("success")

	return Token{AccessToken: access, ExpiresAt: expiresAt}, nil
}

// StoreInitialCredential seals and persists the tokens returned by the
// initial OAuth authorization-code exchange (performed by a business
// route outside this package's scope, which calls this once it has the
// tokens in hand).
func (p *TradeStationProvider) StoreInitialCredential(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := p.seal.seal([]byte(accessToken))
	if err != nil {
		return err
	}
	sealedRefresh, err := p.seal.seal([]byte(refreshToken))
	if err != nil {
		return err
	}
	return p.store.Put(ctx, Record{
		UserID:             userID,
		AccessTokenSealed:  sealedAccess,
		RefreshTokenSealed: sealedRefresh,
		ExpiresAt:          expiresAt,
	})
}

func (p *TradeStationProvider) unsealAccess(record Record) (string, error) {
	if record.PlaintextLegacy {
		return string(record.AccessTokenSealed), nil
	}
	plain, err := p.seal.open(record.AccessTokenSealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (p *TradeStationProvider) unsealRefresh(record Record) (string, error) {
	if record.PlaintextLegacy {
		return string(record.RefreshTokenSealed), nil
	}
	plain, err := p.seal.open(record.RefreshTokenSealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (p *TradeStationProvider) logIfPresent(fn func(*logging.Logger)) {
	if p.logger == nil {
		return
	}
	fn(p.logger)
}
