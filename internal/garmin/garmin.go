// Package garmin implements an HTTP client for the Garmin Connect API.
//
// It handles per-participant token login, credential login with MFA
// challenges, token refresh, body-composition submission, and historical
// body-composition retrieval.
package garmin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Default endpoints and client configuration.
const (
	// DefaultSSOBase is the Garmin single sign-on endpoint base.
	DefaultSSOBase = "https://sso.garmin.com/sso"
	// DefaultAPIBase is the Garmin Connect API endpoint base.
	DefaultAPIBase = "https://connectapi.garmin.com"
	// TimestampLayout is the timestamp format Garmin expects on submissions.
	TimestampLayout = "2006-01-02T15:04:05.0"
	// DefaultHTTPTimeout bounds every request to the platform.
	DefaultHTTPTimeout = 30 * time.Second
)

// Error taxonomy for authentication and submission outcomes.
var (
	// ErrTokenInvalid indicates the stored token is missing, expired beyond
	// refresh, or rejected by the platform. Callers should fall back to
	// credential login.
	ErrTokenInvalid = errors.New("garmin: stored token missing or invalid")
	// ErrAuthFailed indicates the supplied email/password were rejected.
	ErrAuthFailed = errors.New("garmin: authentication failed: invalid username or password")
	// ErrTooManyMFA indicates the platform throttled MFA attempts.
	ErrTooManyMFA = errors.New("garmin: too many MFA attempts")
)

// MFARequiredError indicates login cannot complete without a one-time code.
// Ticket must be passed back to ResumeLogin together with the code.
type MFARequiredError struct {
	Ticket string
}

func (e *MFARequiredError) Error() string {
	return "garmin: multi-factor authentication required"
}

// TokenStore persists per-participant OAuth2 tokens across sessions.
type TokenStore interface {
	// Load returns the participant's token, or nil when none is stored.
	Load(ctx context.Context, participantID string) (*oauth2.Token, error)
	// Save stores or replaces the participant's token.
	Save(ctx context.Context, participantID string, tok *oauth2.Token) error
	// Delete removes the participant's token.
	Delete(ctx context.Context, participantID string) error
}

// Opts holds configuration options for the Garmin client.
type Opts struct {
	SSOBase    string
	APIBase    string
	HTTPClient *http.Client
	Tokens     TokenStore
}

// Option defines a configuration option for the Garmin client.
type Option func(*Opts)

// WithSSOBase overrides the SSO endpoint base (used in tests).
func WithSSOBase(base string) Option {
	return func(o *Opts) { o.SSOBase = base }
}

// WithAPIBase overrides the API endpoint base (used in tests).
func WithAPIBase(base string) Option {
	return func(o *Opts) { o.APIBase = base }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTokenStore sets the per-participant token store (required).
func WithTokenStore(ts TokenStore) Option {
	return func(o *Opts) { o.Tokens = ts }
}

// Client talks to the Garmin Connect API on behalf of multiple participants.
type Client struct {
	ssoBase string
	apiBase string
	http    *http.Client
	tokens  TokenStore
}

// NewClient creates a Garmin client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("garmin: token store must be provided")
	}
	if cfg.SSOBase == "" {
		cfg.SSOBase = DefaultSSOBase
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	slog.Debug("Garmin client initialized", "sso_base", cfg.SSOBase, "api_base", cfg.APIBase)
	return &Client{
		ssoBase: strings.TrimRight(cfg.SSOBase, "/"),
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		http:    cfg.HTTPClient,
		tokens:  cfg.Tokens,
	}, nil
}

// wireToken is the token shape returned by the SSO endpoints.
type wireToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (w *wireToken) toOAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		TokenType:    w.TokenType,
	}
	if w.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(w.ExpiresIn) * time.Second)
	}
	return tok
}

// postForm issues a form-encoded POST to an SSO endpoint.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("garmin: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("garmin: connection error: %w", err)
	}
	return resp, nil
}

// doJSON issues an authorized JSON request against the API base.
func (c *Client) doJSON(ctx context.Context, method, endpoint, accessToken string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("garmin: failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("garmin: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("garmin: connection error: %w", err)
	}
	return resp, nil
}

// drainBody reads a small error snippet from a response body for diagnostics.
func drainBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
