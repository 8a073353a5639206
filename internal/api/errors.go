package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/dispatch"
	"github.com/clipgate/clipgate/internal/signer"
	"github.com/clipgate/clipgate/internal/telemetry"
	"github.com/clipgate/clipgate/internal/tiktok"
	"github.com/clipgate/clipgate/internal/token"
)

// writeError maps a pipeline error onto the HTTP error contract: a JSON
// body {"error": <code>, "message": ...} with the matching status code.
// Throttled responses additionally carry a Retry-After header.
func writeError(c *gin.Context, err error) {
	var limited *dispatch.RateLimitedError
	var remote *tiktok.RemoteError

	switch {
	case errors.Is(err, dispatch.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})

	case errors.Is(err, apikey.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": "missing, unknown, or unactivated API key"})

	case errors.Is(err, token.ErrNotAuthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "NotAuthorized", "message": "account has not authorized the application"})

	case errors.As(err, &limited):
		retryAfter := int(time.Until(limited.ResetAt) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		telemetry.RateLimitRejectionsTotal.WithLabelValues("dispatch").Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "RateLimited",
			"message":     "rate limit exceeded",
			"retry_after": retryAfter,
		})

	case errors.Is(err, tiktok.ErrRefreshFailed):
		body := gin.H{"error": "RefreshFailed", "message": "token refresh was rejected upstream"}
		if errors.As(err, &remote) {
			body["upstream_code"] = remote.Code
			body["upstream_message"] = remote.Message
		}
		c.JSON(http.StatusBadGateway, body)

	case errors.Is(err, tiktok.ErrTokenExchangeFailed):
		body := gin.H{"error": "TokenExchangeFailed", "message": "authorization code exchange was rejected upstream"}
		if errors.As(err, &remote) {
			body["upstream_code"] = remote.Code
			body["upstream_message"] = remote.Message
		}
		c.JSON(http.StatusBadGateway, body)

	case errors.Is(err, tiktok.ErrPublishFailed):
		body := gin.H{"error": "PublishFailed", "message": "publish was rejected upstream"}
		if errors.As(err, &remote) {
			body["upstream_code"] = remote.Code
			body["upstream_message"] = remote.Message
			body["log_id"] = remote.LogID
		}
		c.JSON(http.StatusBadGateway, body)

	case errors.Is(err, signer.ErrSigningInput):
		// Signing input problems are configuration bugs, not client errors.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "SigningError", "message": err.Error()})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "internal error"})
	}
}
