package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/config"
	"github.com/clipgate/clipgate/internal/dispatch"
	"github.com/clipgate/clipgate/internal/kv"
	"github.com/clipgate/clipgate/internal/ratelimit"
	"github.com/clipgate/clipgate/internal/signer"
	"github.com/clipgate/clipgate/internal/tiktok"
	"github.com/clipgate/clipgate/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream imitates the TikTok token and publish endpoints. The
// returned counter tracks token-endpoint hits so tests can assert a
// request never spent its authorization code.
func fakeUpstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	tokenCalls := new(atomic.Int64)
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/oauth/token/", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("code") == "bad-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Authorization code is expired."}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at1","refresh_token":"rt1","expires_in":86400,"open_id":"7788"}`))
	})
	mux.HandleFunc("/v2/post/publish/video/init/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"publish_id":"pub1","request_id":"req1"},"error":{"code":"ok","message":""}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, tokenCalls
}

func newTestRouter(t *testing.T) (*gin.Engine, kv.Store, *atomic.Int64) {
	t.Helper()
	upstream, tokenCalls := fakeUpstream(t)

	store := kv.NewMemoryStore()
	registry := apikey.NewRegistry(store)

	tk, err := tiktok.NewClient(&tiktok.Settings{
		ClientKey:    "ck",
		ClientSecret: "cs",
		RedirectURI:  "http://localhost:8080/v1/connect/callback",
		AuthBase:     upstream.URL,
		APIBase:      upstream.URL,
	})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	tokens := token.NewManager(store, tk)
	urlSigner := &signer.Signer{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		Host:            "media.example.com",
		Bucket:          "clips",
	}
	dispatcher := dispatch.NewDispatcher(registry, tokens, urlSigner, tk,
		ratelimit.NewLimiter(store), store, dispatch.Config{})

	cfg := &config.Config{}
	cfg.Security.RateLimiting.Enabled = false

	router := NewRouter(cfg, &Dependencies{
		Store:      store,
		Keys:       registry,
		Grants:     tokens,
		TikTok:     tk,
		Dispatcher: dispatcher,
		URLSigner:  urlSigner,
	})
	return router, store, tokenCalls
}

// beginState starts the connect flow and returns the state token from the
// authorize redirect.
func beginState(t *testing.T, router *gin.Engine, ticket string) string {
	t.Helper()
	target := "/v1/connect"
	if ticket != "" {
		target += "?ticket=" + ticket
	}
	w := do(router, http.MethodGet, target, "", "")
	if w.Code != http.StatusFound {
		t.Fatalf("GET %s status = %d", target, w.Code)
	}
	redirect, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("redirect does not parse: %v", err)
	}
	state := redirect.Query().Get("state")
	if state == "" {
		t.Fatal("authorize redirect carries no state")
	}
	return state
}

func do(router *gin.Engine, method, target, apiKey, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response %q is not JSON: %v", w.Body.String(), err)
	}
	return body
}

// TestConnectAndPublishFlow walks the full lifecycle over HTTP: issue a
// key, connect the account, and dispatch a draft publish with it.
func TestConnectAndPublishFlow(t *testing.T) {
	router, _, _ := newTestRouter(t)

	// Issue a key.
	w := do(router, http.MethodPost, "/v1/keys", "", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /v1/keys status = %d: %s", w.Code, w.Body.String())
	}
	issued := decode(t, w)
	rawKey, _ := issued["api_key"].(string)
	ticket, _ := issued["reveal_ticket_id"].(string)
	if !strings.HasPrefix(rawKey, "ck_live_") || ticket == "" {
		t.Fatalf("unexpected issuance response: %v", issued)
	}

	// The pending key cannot publish yet.
	w = do(router, http.MethodPost, "/v1/webhook", rawKey, `{"id":"clip1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("pending key publish status = %d, want 401", w.Code)
	}

	// Begin the connect flow; the redirect carries our state.
	state := beginState(t, router, ticket)

	// Land the callback.
	w = do(router, http.MethodGet, "/v1/connect/callback?state="+state+"&code=good-code", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d: %s", w.Code, w.Body.String())
	}
	connected := decode(t, w)
	if connected["account_id"] != "7788" || connected["api_key"] != rawKey {
		t.Fatalf("unexpected callback response: %v", connected)
	}

	// The key now authenticates and the publish goes through.
	w = do(router, http.MethodPost, "/v1/webhook", rawKey,
		`{"id":"clip1","caption":"first","mode":"draft","idempotencyKey":"k1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("publish status = %d: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)
	if result["ok"] != true || result["status"] != "draft_accepted" {
		t.Fatalf("unexpected publish response: %v", result)
	}
	videoURL, _ := result["video_url"].(string)
	if !strings.HasPrefix(videoURL, "https://media.example.com/clip1.mp4?") {
		t.Errorf("video_url = %q", videoURL)
	}

	// Redelivery with the same idempotency key replays byte-identically.
	first := w.Body.String()
	w = do(router, http.MethodPost, "/v1/webhook", rawKey,
		`{"id":"clip1","caption":"first","mode":"draft","idempotencyKey":"k1"}`)
	if w.Code != http.StatusOK || w.Body.String() != first {
		t.Errorf("replay differs: status=%d body=%s", w.Code, w.Body.String())
	}

	// Introspection sees the activated key.
	w = do(router, http.MethodGet, "/v1/keys/self", rawKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/keys/self status = %d", w.Code)
	}
	self := decode(t, w)
	if self["status"] != "active" || self["account_id"] != "7788" {
		t.Errorf("unexpected introspection response: %v", self)
	}
}

func TestCallbackRejectsBadInput(t *testing.T) {
	router, _, tokenCalls := newTestRouter(t)

	t.Run("denied grant", func(t *testing.T) {
		w := do(router, http.MethodGet, "/v1/connect/callback?error=access_denied", "", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("missing parameters", func(t *testing.T) {
		w := do(router, http.MethodGet, "/v1/connect/callback?state=s", "", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("rejected code maps to 502", func(t *testing.T) {
		state := beginState(t, router, "")
		w := do(router, http.MethodGet, "/v1/connect/callback?state="+state+"&code=bad-code", "", "")
		if w.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", w.Code)
		}
		if body := decode(t, w); body["error"] != "TokenExchangeFailed" {
			t.Errorf("error code = %v", body["error"])
		}
	})

	// A forged state is rejected before the token exchange, so the
	// one-shot authorization code is not consumed and no grant lands.
	t.Run("forged state leaves the code unspent", func(t *testing.T) {
		before := tokenCalls.Load()
		w := do(router, http.MethodGet, "/v1/connect/callback?state=forged&code=good-code", "", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		if got := tokenCalls.Load(); got != before {
			t.Errorf("token endpoint called %d time(s) for a forged state", got-before)
		}
	})
}

func TestWebhookErrorMapping(t *testing.T) {
	router, _, _ := newTestRouter(t)

	t.Run("missing key", func(t *testing.T) {
		w := do(router, http.MethodPost, "/v1/webhook", "", `{"id":"clip1"}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		w := do(router, http.MethodPost, "/v1/webhook", "ck_live_x", `{"id":`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := do(router, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d", w.Code)
	}
	if body := decode(t, w); body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}
