// Package apikey issues and activates the API keys callers authenticate
// with. A key is revealed exactly once at issuance, stored only as a
// SHA-256 digest, and becomes usable only after the TikTok account it is
// bound to completes the OAuth grant that was started with the key's
// one-time reveal ticket. The registry is the sole writer of key records.
//
// Store layout (all JSON payloads carry a "v" schema version):
//
//	apikey:<sha256hex(secret)>  → {v, status, account_id?, created_at}   no TTL
//	reveal:<uuid>               → raw secret                             TTL 10 m
//	oauthstate:<uuid>           → {v, reveal_ticket_id?}                 TTL 5 m
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clipgate/clipgate/internal/kv"
)

const (
	// KeyPrefix starts every raw secret so leaked keys are greppable.
	KeyPrefix = "ck_live"

	// secretBytes is the entropy of the random part (256 bits).
	secretBytes = 32

	// RecordPrefix is the store prefix for key records; the retention
	// sweeper scans it.
	RecordPrefix = "apikey:"

	revealPrefix = "reveal:"
	statePrefix  = "oauthstate:"

	revealTTL = 10 * time.Minute
	stateTTL  = 5 * time.Minute
)

// Key record statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
)

var (
	// ErrUnauthorized means the presented secret does not resolve to an
	// active, account-bound key.
	ErrUnauthorized = errors.New("unknown or unactivated API key")

	// ErrInvalidOrExpiredState means the OAuth state token was not issued
	// by this gateway or has expired, so the callback cannot be trusted.
	ErrInvalidOrExpiredState = errors.New("invalid or expired authorization state")
)

// Record is the stored shape of one API key.
type Record struct {
	Version   int    `json:"v"`
	Status    string `json:"status"`
	AccountID string `json:"account_id,omitempty"`
	CreatedAt int64  `json:"created_at"` // epoch milliseconds
}

// DecodeRecord parses a stored key record.
func DecodeRecord(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt api key record: %w", err)
	}
	return &rec, nil
}

// stateRecord binds a pending authorization redirect to an optional reveal
// ticket, preventing cross-session authorization-code injection.
type stateRecord struct {
	Version        int    `json:"v"`
	RevealTicketID string `json:"reveal_ticket_id,omitempty"`
}

// HashKey returns the hex SHA-256 digest a raw secret is stored under.
// The digest must be deterministic because it is the record's key; the
// secret's 256 bits of entropy make the plain digest unguessable.
func HashKey(rawSecret string) string {
	sum := sha256.Sum256([]byte(rawSecret))
	return hex.EncodeToString(sum[:])
}

// Registry manages API key issuance and activation over the shared store.
type Registry struct {
	store kv.Store
	now   func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// SetClock replaces the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Issue generates a new key, stores its record as pending, parks the raw
// secret under a short-lived reveal ticket, and returns both for one-time
// display. The raw secret is never persisted beyond the ticket's TTL.
func (r *Registry) Issue(ctx context.Context) (rawSecret, revealTicketID string, err error) {
	random := make([]byte, secretBytes)
	if _, err := rand.Read(random); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	rawSecret = fmt.Sprintf("%s_%s", KeyPrefix, base64.RawURLEncoding.EncodeToString(random))

	rec := Record{Version: 1, Status: StatusPending, CreatedAt: r.now().UnixMilli()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return "", "", fmt.Errorf("encode api key record: %w", err)
	}
	if err := r.store.Put(ctx, RecordPrefix+HashKey(rawSecret), string(encoded), 0); err != nil {
		return "", "", fmt.Errorf("store api key record: %w", err)
	}

	revealTicketID = uuid.NewString()
	if err := r.store.Put(ctx, revealPrefix+revealTicketID, rawSecret, revealTTL); err != nil {
		return "", "", fmt.Errorf("store reveal ticket: %w", err)
	}
	return rawSecret, revealTicketID, nil
}

// BeginAuthorization creates the state token that is round-tripped through
// the authorization redirect. revealTicketID may be empty (authorization
// of an account with no pending key).
func (r *Registry) BeginAuthorization(ctx context.Context, revealTicketID string) (string, error) {
	state := uuid.NewString()
	encoded, err := json.Marshal(stateRecord{Version: 1, RevealTicketID: revealTicketID})
	if err != nil {
		return "", fmt.Errorf("encode state record: %w", err)
	}
	if err := r.store.Put(ctx, statePrefix+state, string(encoded), stateTTL); err != nil {
		return "", fmt.Errorf("store authorization state: %w", err)
	}
	return state, nil
}

// CheckState reports whether a state token is currently valid without
// consuming it. The callback calls this before spending the one-shot
// authorization code on a token exchange; CompleteAuthorization still
// re-reads and consumes the state afterwards.
func (r *Registry) CheckState(ctx context.Context, stateToken string) error {
	if stateToken == "" {
		return ErrInvalidOrExpiredState
	}
	_, found, err := r.store.Get(ctx, statePrefix+stateToken)
	if err != nil {
		return fmt.Errorf("load authorization state: %w", err)
	}
	if !found {
		return ErrInvalidOrExpiredState
	}
	return nil
}

// CompleteAuthorization consumes the state token and, when it carries a
// reveal ticket, activates the matching key for accountID and returns the
// raw secret once more for display. Returns empty when no ticket was
// attached. The ticket read-and-delete is best-effort, not atomic; a
// concurrent double-read cannot double-activate because re-writing the
// same active record is harmless.
func (r *Registry) CompleteAuthorization(ctx context.Context, stateToken, accountID string) (string, error) {
	stateKey := statePrefix + stateToken
	raw, found, err := r.store.Get(ctx, stateKey)
	if err != nil {
		return "", fmt.Errorf("load authorization state: %w", err)
	}
	if !found {
		return "", ErrInvalidOrExpiredState
	}
	if err := r.store.Delete(ctx, stateKey); err != nil {
		slog.Warn("failed to delete consumed authorization state", "error", err)
	}

	var state stateRecord
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return "", fmt.Errorf("corrupt authorization state: %w", err)
	}
	if state.RevealTicketID == "" {
		return "", nil
	}

	ticketKey := revealPrefix + state.RevealTicketID
	secret, found, err := r.store.Get(ctx, ticketKey)
	if err != nil {
		return "", fmt.Errorf("load reveal ticket: %w", err)
	}
	if !found {
		// Ticket expired between issuance and callback. The authorization
		// itself succeeded; the key stays pending and the sweeper reclaims
		// it. The caller must issue a new key.
		slog.Warn("reveal ticket expired before authorization completed",
			"ticket_id", state.RevealTicketID, "account_id", accountID)
		return "", nil
	}
	if err := r.store.Delete(ctx, ticketKey); err != nil {
		slog.Warn("failed to delete consumed reveal ticket", "error", err)
	}

	if err := r.activate(ctx, secret, accountID); err != nil {
		return "", err
	}
	return secret, nil
}

// activate flips the key record for secret to active, bound to accountID.
// Idempotent: re-activating with the same account id rewrites the same
// record.
func (r *Registry) activate(ctx context.Context, rawSecret, accountID string) error {
	recordKey := RecordPrefix + HashKey(rawSecret)
	raw, found, err := r.store.Get(ctx, recordKey)
	if err != nil {
		return fmt.Errorf("load api key record: %w", err)
	}
	if !found {
		return fmt.Errorf("api key record missing for reveal ticket")
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return err
	}

	rec.Status = StatusActive
	rec.AccountID = accountID
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode api key record: %w", err)
	}
	if err := r.store.Put(ctx, recordKey, string(encoded), 0); err != nil {
		return fmt.Errorf("store api key record: %w", err)
	}
	slog.Info("api key activated", "key_hash", HashKey(rawSecret)[:12], "account_id", accountID)
	return nil
}

// Resolve maps a presented secret to the TikTok account it is bound to.
func (r *Registry) Resolve(ctx context.Context, rawSecret string) (string, error) {
	rec, err := r.lookup(ctx, rawSecret)
	if err != nil {
		return "", err
	}
	if rec.Status != StatusActive || rec.AccountID == "" {
		return "", ErrUnauthorized
	}
	return rec.AccountID, nil
}

// Describe returns a presented key's record for introspection endpoints.
// Unlike Resolve it succeeds for pending keys.
func (r *Registry) Describe(ctx context.Context, rawSecret string) (*Record, error) {
	return r.lookup(ctx, rawSecret)
}

func (r *Registry) lookup(ctx context.Context, rawSecret string) (*Record, error) {
	if rawSecret == "" {
		return nil, ErrUnauthorized
	}
	raw, found, err := r.store.Get(ctx, RecordPrefix+HashKey(rawSecret))
	if err != nil {
		return nil, fmt.Errorf("load api key record: %w", err)
	}
	if !found {
		return nil, ErrUnauthorized
	}
	return DecodeRecord(raw)
}
