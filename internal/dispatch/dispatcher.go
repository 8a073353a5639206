// Package dispatch turns one authenticated webhook delivery into at most
// one downstream publish attempt. The pipeline is strictly ordered:
// authenticate, throttle, validate, idempotency short-circuit, sign the
// media URL, obtain a bearer token, publish, record the outcome. Nothing
// in the pipeline retries; callers resubmit with the same idempotency key
// and the recorded outcome makes that safe.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/kv"
	"github.com/clipgate/clipgate/internal/ratelimit"
	"github.com/clipgate/clipgate/internal/signer"
	"github.com/clipgate/clipgate/internal/tiktok"
)

const idempotencyTTL = 24 * time.Hour

// Dispatch modes and the statuses they produce.
const (
	ModeDraft   = "draft"
	ModePublish = "publish"

	StatusDraftAccepted = "draft_accepted"
	StatusPublished     = "published"
	StatusDryRun        = "dry_run"
)

// ErrBadRequest means the payload is malformed: the media reference must
// be exactly one of a clip id or a storage URL, and mode must be known.
var ErrBadRequest = errors.New("invalid publish payload")

// RateLimitedError reports a throttled request and when the caller's
// window resets.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// PublishWebhook is the inbound webhook payload.
type PublishWebhook struct {
	ID             string `json:"id,omitempty"`
	URL            string `json:"url,omitempty"`
	Caption        string `json:"caption,omitempty"`
	Mode           string `json:"mode,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ResultError is the structured failure carried inside a Result. The
// upstream code, message, and log id are preserved verbatim.
type ResultError struct {
	Code         string `json:"code"`
	UpstreamCode string `json:"upstream_code,omitempty"`
	Message      string `json:"message,omitempty"`
	LogID        string `json:"log_id,omitempty"`
}

// Result is the final outcome of one dispatch. It is what gets persisted
// under the idempotency key, so its JSON shape is the replay contract.
type Result struct {
	OK       bool                   `json:"ok"`
	Status   string                 `json:"status,omitempty"`
	VideoURL string                 `json:"video_url,omitempty"`
	TikTok   *tiktok.PublishReceipt `json:"tiktok,omitempty"`
	Request  *tiktok.PublishRequest `json:"request,omitempty"`
	Error    *ResultError           `json:"error,omitempty"`

	// Raw is the verbatim stored JSON; replayed responses are served from
	// it byte-identically. Replayed marks an idempotency-cache hit.
	Raw      []byte `json:"-"`
	Replayed bool   `json:"-"`
}

// TokenSource hands out bearer tokens per account. *token.Manager
// satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Publisher submits the downstream publish call. *tiktok.Client
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, accessToken string, pub *tiktok.PublishRequest) (*tiktok.PublishReceipt, error)
}

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	RateLimit      int
	RateWindow     time.Duration
	URLExpiry      time.Duration
	DraftPrivacy   string
	PublishPrivacy string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 30
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.URLExpiry == 0 {
		cfg.URLExpiry = time.Hour
	}
	if cfg.DraftPrivacy == "" {
		cfg.DraftPrivacy = tiktok.PrivacySelfOnly
	}
	if cfg.PublishPrivacy == "" {
		cfg.PublishPrivacy = tiktok.PrivacyPublic
	}
	return cfg
}

// Dispatcher orchestrates the webhook-to-publish pipeline.
type Dispatcher struct {
	keys      *apikey.Registry
	tokens    TokenSource
	urlSigner *signer.Signer
	publisher Publisher
	limiter   *ratelimit.Limiter
	store     kv.Store
	cfg       Config
}

// NewDispatcher wires a Dispatcher from its collaborators.
func NewDispatcher(keys *apikey.Registry, tokens TokenSource, urlSigner *signer.Signer,
	publisher Publisher, limiter *ratelimit.Limiter, store kv.Store, cfg Config) *Dispatcher {
	return &Dispatcher{
		keys:      keys,
		tokens:    tokens,
		urlSigner: urlSigner,
		publisher: publisher,
		limiter:   limiter,
		store:     store,
		cfg:       cfg.withDefaults(),
	}
}

// Dispatch runs the pipeline for one delivery. Pre-publish rejections
// (unauthorized, throttled, malformed) return an error and leave no
// record. A publish rejection returns a Result with OK=false that is
// recorded under the idempotency key just like a success, so resubmitting
// the same delivery replays the failure instead of re-attempting it.
func (d *Dispatcher) Dispatch(ctx context.Context, rawKey string, req *PublishWebhook, dryRun bool) (*Result, error) {
	accountID, err := d.keys.Resolve(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	decision, err := d.limiter.Check(ctx, apikey.HashKey(rawKey), d.cfg.RateLimit, d.cfg.RateWindow)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &RateLimitedError{ResetAt: decision.ResetAt}
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeDraft
	}
	if (req.ID == "") == (req.URL == "") {
		return nil, fmt.Errorf("%w: exactly one of id or url is required", ErrBadRequest)
	}
	if mode != ModeDraft && mode != ModePublish {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, req.Mode)
	}

	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = fmt.Sprintf("idem:%s:%s", accountID, req.IdempotencyKey)
		raw, found, err := d.store.Get(ctx, idemKey)
		if err != nil {
			return nil, fmt.Errorf("load idempotency record: %w", err)
		}
		if found {
			var result Result
			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				return nil, fmt.Errorf("corrupt idempotency record %s: %w", idemKey, err)
			}
			result.Raw = []byte(raw)
			result.Replayed = true
			return &result, nil
		}
	}

	reference := req.ID
	if reference == "" {
		reference = req.URL
	}
	// A reference that cannot resolve to an object key is the caller's
	// mistake, not a signing configuration problem.
	objectKey, err := d.urlSigner.ResolveKey(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	videoURL, err := d.urlSigner.Presign(objectKey, d.cfg.URLExpiry)
	if err != nil {
		return nil, err
	}

	accessToken, err := d.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	draft := mode == ModeDraft
	privacy := d.cfg.PublishPrivacy
	status := StatusPublished
	if draft {
		privacy = d.cfg.DraftPrivacy
		status = StatusDraftAccepted
	}
	pub := tiktok.NewPullRequest(req.Caption, privacy, draft, videoURL)

	if dryRun {
		return &Result{OK: true, Status: StatusDryRun, VideoURL: videoURL, Request: pub}, nil
	}

	receipt, err := d.publisher.Publish(ctx, accessToken, pub)
	if err != nil {
		var remote *tiktok.RemoteError
		if !errors.As(err, &remote) {
			return nil, err
		}
		failure := &Result{OK: false, Error: &ResultError{
			Code:         "PublishFailed",
			UpstreamCode: remote.Code,
			Message:      remote.Message,
			LogID:        remote.LogID,
		}}
		if err := d.record(ctx, idemKey, failure); err != nil {
			return nil, err
		}
		slog.Warn("publish rejected",
			"account_id", accountID, "upstream_code", remote.Code, "log_id", remote.LogID)
		return failure, nil
	}

	result := &Result{OK: true, Status: status, VideoURL: videoURL, TikTok: receipt}
	if err := d.record(ctx, idemKey, result); err != nil {
		return nil, err
	}
	slog.Info("publish accepted",
		"account_id", accountID, "status", status, "publish_id", receipt.PublishID)
	return result, nil
}

// record persists the outcome under the idempotency key and stamps the
// verbatim bytes onto the result. No-op when no key was supplied.
func (d *Dispatcher) record(ctx context.Context, idemKey string, result *Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode dispatch result: %w", err)
	}
	result.Raw = encoded
	if idemKey == "" {
		return nil
	}
	if err := d.store.Put(ctx, idemKey, string(encoded), idempotencyTTL); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}
