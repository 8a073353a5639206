package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/telemetry"
)

// KeysHandler serves API key issuance and introspection.
type KeysHandler struct {
	keys *apikey.Registry
}

// NewKeysHandler creates a KeysHandler.
func NewKeysHandler(keys *apikey.Registry) *KeysHandler {
	return &KeysHandler{keys: keys}
}

// @Summary      Issue an API key
// @Description  Generates a new API key. The raw secret is returned exactly once and is
// @Description  unusable until the TikTok account completes the OAuth grant started via the
// @Description  returned connect URL. The reveal ticket expires after ten minutes.
// @Tags         Keys
// @Produce      json
// @Success      201  {object}  map[string]interface{}  "api_key, reveal_ticket_id, connect_url"
// @Failure      429  {object}  map[string]interface{}  "Per-IP rate limit exceeded"
// @Failure      500  {object}  map[string]interface{}  "Store write failed"
// @Router       /v1/keys [post]
func (h *KeysHandler) IssueKey(c *gin.Context) {
	rawSecret, ticketID, err := h.keys.Issue(c.Request.Context())
	if err != nil {
		slog.Error("api key issuance failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "could not issue key"})
		return
	}

	telemetry.KeysIssuedTotal.Inc()
	c.JSON(http.StatusCreated, gin.H{
		"api_key":          rawSecret,
		"reveal_ticket_id": ticketID,
		"connect_url":      "/v1/connect?ticket=" + ticketID,
	})
}

// @Summary      Introspect the presented API key
// @Description  Returns the status of the key in the X-Api-Key header. Unlike the webhook
// @Description  endpoint this succeeds for pending keys, so callers can poll activation.
// @Tags         Keys
// @Produce      json
// @Param        X-Api-Key  header  string  true  "Raw API key secret"
// @Success      200  {object}  map[string]interface{}  "status, account_id, created_at"
// @Failure      401  {object}  map[string]interface{}  "Unknown key"
// @Router       /v1/keys/self [get]
func (h *KeysHandler) DescribeKey(c *gin.Context) {
	rec, err := h.keys.Describe(c.Request.Context(), c.GetHeader("X-Api-Key"))
	if err != nil {
		if errors.Is(err, apikey.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": "unknown API key"})
			return
		}
		slog.Error("api key introspection failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "internal error"})
		return
	}

	body := gin.H{
		"status":     rec.Status,
		"created_at": time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC3339),
	}
	if rec.AccountID != "" {
		body["account_id"] = rec.AccountID
	}
	c.JSON(http.StatusOK, body)
}
