// Package tiktok is the HTTP client for the TikTok open API: the OAuth
// authorization/token endpoints and the Content Posting "pull from URL"
// publish call. The client is stateless; token storage and refresh policy
// live in internal/token. Endpoint bases are overridable so tests can point
// the client at an httptest server.
//
// TikTok's OAuth dialect names the client credential `client_key` rather
// than `client_id`, so the exchanges are plain form posts instead of going
// through a generic OAuth2 client library.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthBase = "https://www.tiktok.com"
	defaultAPIBase  = "https://open.tiktokapis.com"

	// PrivacySelfOnly and PrivacyPublic are the privacy_level values the
	// publish endpoint accepts for draft and direct-post modes.
	PrivacySelfOnly = "SELF_ONLY"
	PrivacyPublic   = "PUBLIC_TO_EVERYONE"
)

// Client calls the TikTok API for one registered application.
type Client struct {
	clientKey    string
	clientSecret string
	redirectURI  string
	scopes       string

	authBase   string
	apiBase    string
	httpClient *http.Client
}

// Settings configures a Client. AuthBase and APIBase default to the
// production endpoints when empty.
type Settings struct {
	ClientKey    string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthBase     string
	APIBase      string
	HTTPClient   *http.Client
}

// NewClient creates a TikTok API client.
func NewClient(settings *Settings) (*Client, error) {
	if settings.ClientKey == "" {
		return nil, fmt.Errorf("tiktok: client key is required")
	}
	if settings.ClientSecret == "" {
		return nil, fmt.Errorf("tiktok: client secret is required")
	}
	if settings.RedirectURI == "" {
		return nil, fmt.Errorf("tiktok: redirect URI is required")
	}

	authBase := settings.AuthBase
	if authBase == "" {
		authBase = defaultAuthBase
	}
	apiBase := settings.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	scopes := "user.info.basic,video.publish,video.upload"
	if len(settings.Scopes) > 0 {
		scopes = strings.Join(settings.Scopes, ",")
	}
	httpClient := settings.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		clientKey:    settings.ClientKey,
		clientSecret: settings.ClientSecret,
		redirectURI:  settings.RedirectURI,
		scopes:       scopes,
		authBase:     authBase,
		apiBase:      apiBase,
		httpClient:   httpClient,
	}, nil
}

// TokenGrant is the token set returned by the authorization server.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	OpenID       string `json:"open_id"`
}

// AuthorizeURL returns the authorization redirect target for one state value.
func (c *Client) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_key", c.clientKey)
	params.Set("response_type", "code")
	params.Set("redirect_uri", c.redirectURI)
	params.Set("scope", c.scopes)
	params.Set("state", state)
	return fmt.Sprintf("%s/v2/auth/authorize/?%s", c.authBase, params.Encode())
}

// ExchangeCode trades an authorization code for a fresh token set.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_key", c.clientKey)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", c.redirectURI)
	return c.tokenRequest(ctx, "exchange_code", form, ErrTokenExchangeFailed)
}

// RefreshToken trades a refresh token for a fresh token set.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_key", c.clientKey)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")
	return c.tokenRequest(ctx, "refresh_token", form, ErrRefreshFailed)
}

func (c *Client) tokenRequest(ctx context.Context, op string, form url.Values, sentinel error) (*TokenGrant, error) {
	endpoint := c.apiBase + "/v2/oauth/token/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tiktok: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, Message: err.Error(), Err: sentinel}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: "unreadable response body", Err: sentinel}
	}

	var grant struct {
		TokenGrant
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &grant); err != nil || resp.StatusCode != http.StatusOK || grant.Error != "" || grant.AccessToken == "" {
		message := grant.ErrorDescription
		if message == "" {
			message = string(body)
		}
		return nil, &RemoteError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       grant.Error,
			Message:    message,
			Err:        sentinel,
		}
	}
	return &grant.TokenGrant, nil
}

// PublishRequest is the body of the Content Posting init call.
type PublishRequest struct {
	PostInfo   PostInfo   `json:"post_info"`
	SourceInfo SourceInfo `json:"source_info"`
}

// PostInfo describes the post being created.
type PostInfo struct {
	Title        string `json:"title"`
	PrivacyLevel string `json:"privacy_level"`
	IsDraft      bool   `json:"is_draft,omitempty"`
}

// SourceInfo tells TikTok where to fetch the video from. Source is always
// PULL_FROM_URL; multi-step upload protocols are deliberately unsupported.
type SourceInfo struct {
	Source   string `json:"source"`
	VideoURL string `json:"video_url"`
}

// NewPullRequest builds a PublishRequest for a signed media URL.
func NewPullRequest(title, privacy string, draft bool, videoURL string) *PublishRequest {
	return &PublishRequest{
		PostInfo: PostInfo{
			Title:        title,
			PrivacyLevel: privacy,
			IsDraft:      draft,
		},
		SourceInfo: SourceInfo{
			Source:   "PULL_FROM_URL",
			VideoURL: videoURL,
		},
	}
}

// PublishReceipt identifies an accepted publish attempt.
type PublishReceipt struct {
	PublishID string `json:"publish_id"`
	RequestID string `json:"request_id"`
}

// Publish submits the pull-from-URL publish call with the given bearer
// token. Transport failures and non-2xx responses both classify as
// ErrPublishFailed, with the upstream code, message, and log id preserved.
func (c *Client) Publish(ctx context.Context, accessToken string, pub *PublishRequest) (*PublishReceipt, error) {
	payload, err := json.Marshal(pub)
	if err != nil {
		return nil, fmt.Errorf("tiktok: encode publish request: %w", err)
	}

	endpoint := c.apiBase + "/v2/post/publish/video/init/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tiktok: create publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: "publish", Message: err.Error(), Err: ErrPublishFailed}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RemoteError{Op: "publish", StatusCode: resp.StatusCode, Message: "unreadable response body", Err: ErrPublishFailed}
	}

	var result struct {
		Data  PublishReceipt `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		LogID string `json:"log_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &RemoteError{Op: "publish", StatusCode: resp.StatusCode, Message: string(body), Err: ErrPublishFailed}
	}

	// TikTok reports success as code "ok"; anything else is a rejection.
	if resp.StatusCode != http.StatusOK || (result.Error.Code != "" && result.Error.Code != "ok") {
		return nil, &RemoteError{
			Op:         "publish",
			StatusCode: resp.StatusCode,
			Code:       result.Error.Code,
			Message:    result.Error.Message,
			LogID:      result.LogID,
			Err:        ErrPublishFailed,
		}
	}
	return &result.Data, nil
}
