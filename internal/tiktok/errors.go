// errors.go defines sentinel error values and the remote-error wrapper for
// the TikTok client. Upstream rejection bodies are preserved verbatim so
// callers can surface them without re-fetching.
package tiktok

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenExchangeFailed means the authorization server rejected an
	// authorization code (expired, already used, mismatched redirect).
	ErrTokenExchangeFailed = errors.New("authorization code exchange failed")

	// ErrRefreshFailed means the refresh-token grant was rejected.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrPublishFailed means the publish API rejected the request or the
	// transport failed. Never retried automatically; callers resubmit with
	// the same idempotency key.
	ErrPublishFailed = errors.New("publish request failed")
)

// RemoteError carries an upstream failure's status and body alongside the
// sentinel it wraps, so errors.Is classification and verbatim reporting
// both work.
type RemoteError struct {
	Op         string // "exchange_code", "refresh_token", "publish"
	StatusCode int
	Code       string // upstream error code, when the body was parseable
	Message    string // upstream error message or raw body
	LogID      string // upstream correlation id, publish responses only
	Err        error  // wrapped sentinel
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tiktok %s: %s (code=%s, status=%d)", e.Op, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("tiktok %s: %s (status=%d)", e.Op, e.Message, e.StatusCode)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
