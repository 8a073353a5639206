// Package token owns the OAuth token record for each connected TikTok
// account and hands out bearer tokens, refreshing transparently when a
// stored token is near expiry. The freshness check is local: a token well
// inside its validity window is returned without any network call, which
// keeps request latency flat and avoids burning through the authorization
// server's refresh-token rotation limits.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clipgate/clipgate/internal/crypto"
	"github.com/clipgate/clipgate/internal/kv"
	"github.com/clipgate/clipgate/internal/tiktok"
)

// refreshSkew is the safety margin subtracted from expires_in: a token is
// treated as expired this long before the server would actually reject it.
const refreshSkew = 120 * time.Second

// ErrNotAuthorized means no token record exists for the account; the
// account has never completed (or has revoked) the OAuth grant.
var ErrNotAuthorized = errors.New("account has not authorized the application")

// RecordKey returns the store key for an account's token record.
func RecordKey(accountID string) string {
	return "oauth:token:" + accountID
}

// record is the stored token schema. Version-tagged so a future shape
// change can coexist with records written by older processes.
type record struct {
	Version      int    `json:"v"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`  // seconds
	ObtainedAt   int64  `json:"obtained_at"` // epoch milliseconds
}

// Refresher performs the refresh-token grant. *tiktok.Client satisfies it.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*tiktok.TokenGrant, error)
}

// Manager issues valid bearer tokens for connected accounts.
type Manager struct {
	store     kv.Store
	refresher Refresher
	cipher    *crypto.TokenCipher
	now       func() time.Time
}

// NewManager creates a Manager over the given store and refresher.
func NewManager(store kv.Store, refresher Refresher) *Manager {
	return &Manager{store: store, refresher: refresher, now: time.Now}
}

// SetCipher enables at-rest encryption of the token fields in stored
// records. Records written before the cipher was configured fail to open
// and surface as corrupt; there is no mixed-mode reading.
func (m *Manager) SetCipher(cipher *crypto.TokenCipher) {
	m.cipher = cipher
}

// SetClock replaces the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// AccessToken returns a bearer token for accountID, refreshing first when
// the stored token is within refreshSkew of expiry. Refresh failures are
// surfaced to the caller and never retried here.
func (m *Manager) AccessToken(ctx context.Context, accountID string) (string, error) {
	raw, found, err := m.store.Get(ctx, RecordKey(accountID))
	if err != nil {
		return "", fmt.Errorf("load token record for %s: %w", accountID, err)
	}
	if !found {
		return "", ErrNotAuthorized
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", fmt.Errorf("corrupt token record for %s: %w", accountID, err)
	}
	if m.cipher != nil {
		if rec.AccessToken, err = m.cipher.Open(rec.AccessToken); err != nil {
			return "", fmt.Errorf("corrupt token record for %s: %w", accountID, err)
		}
		if rec.RefreshToken, err = m.cipher.Open(rec.RefreshToken); err != nil {
			return "", fmt.Errorf("corrupt token record for %s: %w", accountID, err)
		}
	}

	validUntil := rec.ObtainedAt + (rec.ExpiresIn-int64(refreshSkew/time.Second))*1000
	if m.now().UnixMilli() < validUntil {
		return rec.AccessToken, nil
	}

	grant, err := m.refresher.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		return "", err
	}

	// The server may omit a rotated refresh token; keep the old one then.
	if grant.RefreshToken == "" {
		grant.RefreshToken = rec.RefreshToken
	}
	if err := m.put(ctx, accountID, grant); err != nil {
		return "", err
	}
	return grant.AccessToken, nil
}

// StoreGrant persists a fresh token set obtained from an authorization-code
// exchange, keyed by the account id the authorization server reported, and
// returns that account id.
func (m *Manager) StoreGrant(ctx context.Context, grant *tiktok.TokenGrant) (string, error) {
	if grant.OpenID == "" {
		return "", fmt.Errorf("token grant has no account id")
	}
	if err := m.put(ctx, grant.OpenID, grant); err != nil {
		return "", err
	}
	return grant.OpenID, nil
}

func (m *Manager) put(ctx context.Context, accountID string, grant *tiktok.TokenGrant) error {
	rec := record{
		Version:      1,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
		ObtainedAt:   m.now().UnixMilli(),
	}
	if m.cipher != nil {
		var err error
		if rec.AccessToken, err = m.cipher.Seal(rec.AccessToken); err != nil {
			return fmt.Errorf("seal token record for %s: %w", accountID, err)
		}
		if rec.RefreshToken, err = m.cipher.Seal(rec.RefreshToken); err != nil {
			return fmt.Errorf("seal token record for %s: %w", accountID, err)
		}
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token record: %w", err)
	}
	// Records never expire: refresh re-derives freshness from the stored
	// refresh token however stale the access token is.
	if err := m.store.Put(ctx, RecordKey(accountID), string(encoded), 0); err != nil {
		return fmt.Errorf("store token record for %s: %w", accountID, err)
	}
	return nil
}
