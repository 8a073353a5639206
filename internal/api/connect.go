package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/tiktok"
)

// GrantStore persists token grants obtained from the authorization-code
// exchange. *token.Manager satisfies it.
type GrantStore interface {
	StoreGrant(ctx context.Context, grant *tiktok.TokenGrant) (string, error)
}

// ConnectHandler serves the OAuth connect flow: the redirect out to the
// authorization server and the callback that lands the grant.
type ConnectHandler struct {
	keys   *apikey.Registry
	grants GrantStore
	tk     *tiktok.Client
}

// NewConnectHandler creates a ConnectHandler.
func NewConnectHandler(keys *apikey.Registry, grants GrantStore, tk *tiktok.Client) *ConnectHandler {
	return &ConnectHandler{keys: keys, grants: grants, tk: tk}
}

// @Summary      Begin account authorization
// @Description  Creates a state record (optionally bound to a reveal ticket from key
// @Description  issuance) and redirects the browser to the TikTok authorization page.
// @Tags         Connect
// @Param        ticket  query  string  false  "Reveal ticket id from key issuance"
// @Success      302
// @Failure      500  {object}  map[string]interface{}  "Store write failed"
// @Router       /v1/connect [get]
func (h *ConnectHandler) BeginConnect(c *gin.Context) {
	state, err := h.keys.BeginAuthorization(c.Request.Context(), c.Query("ticket"))
	if err != nil {
		slog.Error("begin authorization failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "could not start authorization"})
		return
	}
	c.Redirect(http.StatusFound, h.tk.AuthorizeURL(state))
}

// @Summary      OAuth callback
// @Description  Exchanges the authorization code for a token set, stores it keyed by the
// @Description  account the authorization server reported, and activates the API key whose
// @Description  reveal ticket was attached to the state. Responds JSON; the api_key field
// @Description  repeats the raw secret once when a ticket was attached, otherwise empty.
// @Tags         Connect
// @Produce      json
// @Param        state  query  string  true   "State token from /v1/connect"
// @Param        code   query  string  false  "Authorization code"
// @Param        error  query  string  false  "Set when the user denied the grant"
// @Success      200  {object}  map[string]interface{}  "connected, account_id, api_key"
// @Failure      400  {object}  map[string]interface{}  "Denied grant, missing parameters, or invalid state"
// @Failure      502  {object}  map[string]interface{}  "Authorization server rejected the code"
// @Router       /v1/connect/callback [get]
func (h *ConnectHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()

	if denied := c.Query("error"); denied != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "BadRequest",
			"message": "authorization was denied: " + denied,
		})
		return
	}
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "state and code are required"})
		return
	}

	// Reject forged or expired states before spending the one-shot
	// authorization code on a token exchange.
	if err := h.keys.CheckState(ctx, state); err != nil {
		if errors.Is(err, apikey.ErrInvalidOrExpiredState) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "invalid or expired authorization state"})
			return
		}
		slog.Error("checking authorization state failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "could not verify authorization state"})
		return
	}

	grant, err := h.tk.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("authorization code exchange rejected", "error", err)
		writeError(c, err)
		return
	}

	accountID, err := h.grants.StoreGrant(ctx, grant)
	if err != nil {
		slog.Error("storing token grant failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "could not store grant"})
		return
	}

	rawSecret, err := h.keys.CompleteAuthorization(ctx, state, accountID)
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidOrExpiredState) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "invalid or expired authorization state"})
			return
		}
		slog.Error("completing authorization failed", "error", err, "account_id", accountID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "could not complete authorization"})
		return
	}

	slog.Info("account connected", "account_id", accountID, "key_activated", rawSecret != "")
	c.JSON(http.StatusOK, gin.H{
		"connected":  true,
		"account_id": accountID,
		"api_key":    rawSecret,
	})
}
