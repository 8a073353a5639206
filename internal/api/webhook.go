package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipgate/clipgate/internal/dispatch"
	"github.com/clipgate/clipgate/internal/signer"
	"github.com/clipgate/clipgate/internal/telemetry"
)

// ClipVerifier checks that a referenced clip actually exists in the
// bucket before a publish is accepted. *media.ObjectStore satisfies it.
type ClipVerifier interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// WebhookHandler serves the steady-state publish path.
type WebhookHandler struct {
	dispatcher *dispatch.Dispatcher
	urlSigner  *signer.Signer
	// verifier is nil when existence checks are disabled.
	verifier ClipVerifier
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(dispatcher *dispatch.Dispatcher, urlSigner *signer.Signer, verifier ClipVerifier) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, urlSigner: urlSigner, verifier: verifier}
}

// @Summary      Dispatch a publish webhook
// @Description  Turns one webhook delivery into at most one TikTok publish. Repeated
// @Description  deliveries with the same idempotencyKey replay the recorded outcome
// @Description  byte-identically without a second publish attempt.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        X-Api-Key  header  string                   true   "Raw API key secret"
// @Param        dry_run    query   string                   false  "Set to 1 to return the would-be publish request without submitting it"
// @Param        payload    body    dispatch.PublishWebhook  true   "Exactly one of id or url; optional caption, mode (draft|publish), idempotencyKey"
// @Success      200  {object}  dispatch.Result
// @Failure      400  {object}  map[string]interface{}  "Malformed payload or unresolvable media reference"
// @Failure      401  {object}  map[string]interface{}  "Missing, unknown, or unactivated API key"
// @Failure      429  {object}  map[string]interface{}  "Per-key rate limit exceeded (Retry-After set)"
// @Failure      502  {object}  map[string]interface{}  "Upstream rejected the publish, refresh, or exchange"
// @Router       /v1/webhook [post]
func (h *WebhookHandler) HandlePublish(c *gin.Context) {
	ctx := c.Request.Context()

	var payload dispatch.PublishWebhook
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "malformed JSON payload"})
		return
	}

	if h.verifier != nil && payload.ID != "" {
		objectKey, err := h.urlSigner.ResolveKey(payload.ID)
		if err == nil {
			exists, verr := h.verifier.Exists(ctx, objectKey)
			if verr != nil {
				// The bucket check is advisory; signing and publishing do
				// not depend on it, so degrade rather than reject.
				slog.Warn("clip existence check unavailable", "key", objectKey, "error", verr)
			} else if !exists {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "BadRequest",
					"message": "referenced clip does not exist: " + objectKey,
				})
				return
			}
		}
	}

	dryRun := c.Query("dry_run") == "1"
	result, err := h.dispatcher.Dispatch(ctx, c.GetHeader("X-Api-Key"), &payload, dryRun)
	if err != nil {
		telemetry.DispatchesTotal.WithLabelValues("rejected").Inc()
		writeError(c, err)
		return
	}

	switch {
	case result.Replayed:
		telemetry.DispatchesTotal.WithLabelValues("replayed").Inc()
	case !result.OK:
		telemetry.DispatchesTotal.WithLabelValues("publish_failed").Inc()
	default:
		telemetry.DispatchesTotal.WithLabelValues(result.Status).Inc()
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadGateway
	}

	// Recorded results are served from their stored bytes so a replayed
	// response is byte-identical to the original.
	if result.Raw != nil {
		c.Data(status, "application/json; charset=utf-8", result.Raw)
		return
	}
	c.JSON(status, result)
}
