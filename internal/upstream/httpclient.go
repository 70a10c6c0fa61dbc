// Package upstream implements the stateless HTTP client that talks to
// Google's OAuth endpoint and the Cloud Code `v1internal:<method>` RPC
// surface. Nothing here is stateful across calls; all account/credential
// state lives in the account package.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ag2api/internal/ratelimit"
)

const (
	// OAuthTokenURL is Google's token endpoint.
	OAuthTokenURL = "https://oauth2.googleapis.com/token"
	// UserInfoURL fetches the account's email opportunistically.
	UserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	// ProjectAPIURL resolves an account's Cloud Code project id.
	ProjectAPIURL = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	// QuotaAPIURL returns the available-models-with-quota payload.
	QuotaAPIURL = "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"
	// v1InternalBase is the base for arbitrary v1internal:<method> calls.
	v1InternalBase = "https://cloudcode-pa.googleapis.com/v1internal:"

	// defaultClientID/defaultClientSecret are Google's published Cloud
	// Code OAuth client credentials, overridable via env.
	defaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	defaultClientSecret = "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"

	userAgent = "ag2api/1.0 Linux/amd64"

	// defaultProjectID is used when project-id resolution genuinely has
	// nothing else to fall back on.
	defaultProjectID = "bamboo-precept-lgxtn"
)

// RefreshResult is the Credentials-shaped payload returned by RefreshToken.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiryDate   int64 // ms since epoch
}

// UserInfo is the subset of the userinfo payload the core cares about.
type UserInfo struct {
	Email string `json:"email"`
}

// ModelQuota is one entry of the fetchAvailableModels payload.
type ModelQuota struct {
	RemainingFraction float64
	ResetTime         string
}

// Response is the raw upstream HTTP result handed back to the
// dispatcher, which alone decides how to interpret status codes.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// CallOptions configures an individual CallV1Internal invocation.
type CallOptions struct {
	QueryString string
	Headers     map[string]string
	Limiter     *ratelimit.Limiter
}

// Client performs the four upstream HTTP operations. It holds no
// account-specific state; every call takes the credentials it needs as
// arguments.
type Client struct {
	HTTP   *http.Client
	Logger logrus.FieldLogger
}

// New builds a Client with sane defaults: connect timeouts short, total
// timeout generous enough for large responses.
func New(logger logrus.FieldLogger) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 120 * time.Second},
		Logger: logger,
	}
}

func clientID() string {
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		return v
	}
	return defaultClientID
}

func clientSecret() string {
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		return v
	}
	return defaultClientSecret
}

// RefreshToken exchanges a refresh token for a new access token.
// Fails with ErrUpstreamAuth on any 4xx from the token endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (RefreshResult, error) {
	form := url.Values{}
	form.Set("client_id", clientID())
	form.Set("client_secret", clientSecret())
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("upstream: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("upstream: refresh token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 == 4 {
		return RefreshResult{}, fmt.Errorf("%w: %d %s", ErrUpstreamAuth, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return RefreshResult{}, fmt.Errorf("upstream: refresh token failed: %d %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RefreshResult{}, fmt.Errorf("upstream: parse refresh response: %w", err)
	}

	result := RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		Scope:        parsed.Scope,
		ExpiryDate:   time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UnixMilli(),
	}
	if result.RefreshToken == "" {
		// Google does not always rotate the refresh token; keep the
		// caller's by leaving this empty and letting the caller retain
		// its previous value.
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// FetchUserInfo learns an account's email.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, fmt.Errorf("upstream: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("upstream: userinfo failed: %d %s", resp.StatusCode, string(body))
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return UserInfo{}, fmt.Errorf("upstream: parse userinfo: %w", err)
	}
	return info, nil
}

// FetchProjectID resolves the backend's resource id for an account,
// retrying up to maxAttempts times on transient (5xx/network) failures
// with its own fixed backoff. Does not share the dispatcher's
// v1internal limiter unless one is explicitly passed.
func (c *Client) FetchProjectID(ctx context.Context, accessToken string, limiter *ratelimit.Limiter, maxAttempts int) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	body := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		id, transient, err := c.fetchProjectIDOnce(ctx, accessToken, body)
		if err == nil && id != "" {
			return id, nil
		}
		lastErr = err
		if !transient {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(300 * time.Millisecond * time.Duration(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("empty project id")
	}
	return "", fmt.Errorf("%w: %v", ErrProjectIDUnresolved, lastErr)
}

func (c *Client) fetchProjectIDOnce(ctx context.Context, accessToken string, body []byte) (id string, transient bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ProjectAPIURL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode >= 500, fmt.Errorf("project info failed: %d %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ProjectID string `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, err
	}
	if parsed.ProjectID == "" {
		return "", false, fmt.Errorf("empty project id in response")
	}
	return parsed.ProjectID, false, nil
}

// FetchAvailableModels is the canonical source of quota observations.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken, projectID string, limiter *ratelimit.Limiter) (map[string]ModelQuota, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if projectID == "" {
		projectID = defaultProjectID
	}
	body := []byte(fmt.Sprintf(`{"project":%q}`, projectID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, QuotaAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build fetchAvailableModels request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetchAvailableModels failed: %d %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Models map[string]struct {
			QuotaInfo *struct {
				RemainingFraction float64 `json:"remainingFraction"`
				ResetTime         string  `json:"resetTime"`
			} `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("upstream: parse fetchAvailableModels: %w", err)
	}

	out := make(map[string]ModelQuota, len(parsed.Models))
	for name, info := range parsed.Models {
		q := ModelQuota{}
		if info.QuotaInfo != nil {
			q.RemainingFraction = info.QuotaInfo.RemainingFraction
			q.ResetTime = info.QuotaInfo.ResetTime
		}
		out[name] = q
	}
	return out, nil
}

// CallV1Internal invokes an arbitrary v1internal:<method> RPC. It does
// not interpret 429 or any other status: that is the dispatcher's job.
func (c *Client) CallV1Internal(ctx context.Context, method, accessToken string, body []byte, opts CallOptions) (*Response, error) {
	if opts.Limiter != nil {
		if err := opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := v1InternalBase + method
	if opts.QueryString != "" {
		u += "?" + opts.QueryString
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: respBody}, nil
}
