package tiktok

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&Settings{
		ClientKey:    "key123",
		ClientSecret: "secret456",
		RedirectURI:  "https://gateway.example.com/v1/connect/callback",
		AuthBase:     server.URL,
		APIBase:      server.URL,
	})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return client, server
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
	}{
		{"missing client key", Settings{ClientSecret: "s", RedirectURI: "r"}},
		{"missing client secret", Settings{ClientKey: "k", RedirectURI: "r"}},
		{"missing redirect URI", Settings{ClientKey: "k", ClientSecret: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(&tt.settings); err == nil {
				t.Error("NewClient() succeeded with incomplete settings")
			}
		})
	}
}

func TestAuthorizeURL(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	raw := client.AuthorizeURL("state-abc")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthorizeURL() does not parse: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/v2/auth/authorize/") {
		t.Errorf("unexpected authorize path %q", u.Path)
	}

	q := u.Query()
	want := map[string]string{
		"client_key":    "key123",
		"response_type": "code",
		"redirect_uri":  "https://gateway.example.com/v1/connect/callback",
		"state":         "state-abc",
	}
	for name, val := range want {
		if q.Get(name) != val {
			t.Errorf("query %s = %q, want %q", name, q.Get(name), val)
		}
	}
	if q.Get("scope") == "" {
		t.Error("authorize URL is missing the scope parameter")
	}
}

func TestExchangeCode(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var gotForm url.Values
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/oauth/token/" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			_ = r.ParseForm()
			gotForm = r.PostForm
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at1","refresh_token":"rt1","expires_in":86400,"open_id":"7788"}`))
		}))

		grant, err := client.ExchangeCode(context.Background(), "code-xyz")
		if err != nil {
			t.Fatalf("ExchangeCode() error: %v", err)
		}
		if grant.AccessToken != "at1" || grant.RefreshToken != "rt1" || grant.OpenID != "7788" || grant.ExpiresIn != 86400 {
			t.Errorf("unexpected grant: %+v", grant)
		}
		if gotForm.Get("client_key") != "key123" || gotForm.Get("grant_type") != "authorization_code" || gotForm.Get("code") != "code-xyz" {
			t.Errorf("unexpected exchange form: %v", gotForm)
		}
	})

	t.Run("rejected code classifies as ErrTokenExchangeFailed", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Authorization code is expired."}`))
		}))

		_, err := client.ExchangeCode(context.Background(), "stale")
		if !errors.Is(err, ErrTokenExchangeFailed) {
			t.Fatalf("ExchangeCode() error = %v, want ErrTokenExchangeFailed", err)
		}
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatal("error is not a *RemoteError")
		}
		if remote.Code != "invalid_grant" || !strings.Contains(remote.Message, "expired") {
			t.Errorf("upstream body not preserved: %+v", remote)
		}
	})
}

func TestRefreshToken(t *testing.T) {
	t.Run("success sends refresh_token grant", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "rt-old" {
				t.Errorf("unexpected refresh form: %v", r.PostForm)
			}
			_, _ = w.Write([]byte(`{"access_token":"at2","refresh_token":"rt2","expires_in":86400,"open_id":"7788"}`))
		}))

		grant, err := client.RefreshToken(context.Background(), "rt-old")
		if err != nil {
			t.Fatalf("RefreshToken() error: %v", err)
		}
		if grant.AccessToken != "at2" {
			t.Errorf("access token = %q, want %q", grant.AccessToken, "at2")
		}
	})

	t.Run("rejection classifies as ErrRefreshFailed", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh token revoked."}`))
		}))

		_, err := client.RefreshToken(context.Background(), "rt-revoked")
		if !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("RefreshToken() error = %v, want ErrRefreshFailed", err)
		}
	})
}

func TestPublish(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/post/publish/video/init/" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer at1" {
				t.Errorf("Authorization = %q, want %q", got, "Bearer at1")
			}
			_, _ = w.Write([]byte(`{"data":{"publish_id":"pub1","request_id":"req1"},"error":{"code":"ok","message":""}}`))
		}))

		receipt, err := client.Publish(context.Background(), "at1",
			NewPullRequest("my clip", PrivacySelfOnly, true, "https://media.example.com/clip1.mp4?X-Amz-Signature=abc"))
		if err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
		if receipt.PublishID != "pub1" || receipt.RequestID != "req1" {
			t.Errorf("unexpected receipt: %+v", receipt)
		}
	})

	t.Run("rejection preserves code, message, and log id", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":"spam_risk_too_many_posts","message":"Daily post cap reached."},"log_id":"log-42"}`))
		}))

		_, err := client.Publish(context.Background(), "at1",
			NewPullRequest("t", PrivacyPublic, false, "https://media.example.com/clip1.mp4"))
		if !errors.Is(err, ErrPublishFailed) {
			t.Fatalf("Publish() error = %v, want ErrPublishFailed", err)
		}
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatal("error is not a *RemoteError")
		}
		if remote.Code != "spam_risk_too_many_posts" || remote.LogID != "log-42" || !strings.Contains(remote.Message, "cap") {
			t.Errorf("upstream error not preserved verbatim: %+v", remote)
		}
	})

	t.Run("transport failure classifies as ErrPublishFailed", func(t *testing.T) {
		client, server := newTestClient(t, http.NotFoundHandler())
		server.Close()

		_, err := client.Publish(context.Background(), "at1",
			NewPullRequest("t", PrivacyPublic, false, "https://media.example.com/clip1.mp4"))
		if !errors.Is(err, ErrPublishFailed) {
			t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
		}
	})
}
