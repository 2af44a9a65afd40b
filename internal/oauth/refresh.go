package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"wearable-sync/internal/credentials"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
)

// Refresher exchanges a refresh token for a new token set. Returned errors
// wrap provider.ErrPermanentAuth or provider.ErrTransient.
type Refresher interface {
	Refresh(ctx context.Context, cred *credentials.Credential) (*oauth2.Token, error)
}

// Grant errors that mean the user has to reconnect
var permanentCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
	"revoked":             true,
}

// RefreshError is an error response from a token endpoint
type RefreshError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *RefreshError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token refresh failed (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token refresh failed (status %d): %s", e.StatusCode, e.Code)
}

// Unwrap classifies the failure
func (e *RefreshError) Unwrap() error {
	if permanentCodes[e.Code] {
		return provider.ErrPermanentAuth
	}
	return provider.ErrTransient
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ServiceRefresher asks a server-side endpoint that holds the client secret
// to perform the refresh.
type ServiceRefresher struct {
	url        string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewServiceRefresher creates a refresher that POSTs to url
func NewServiceRefresher(url, apiKey string, httpClient *http.Client) *ServiceRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ServiceRefresher{url: url, apiKey: apiKey, httpClient: httpClient, now: time.Now}
}

func (s *ServiceRefresher) Refresh(ctx context.Context, cred *credentials.Credential) (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{
		"userId":       cred.UserID,
		"provider":     cred.Provider,
		"refreshToken": cred.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, provider.ClassifyTransport(err)
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(respBody, &tr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && tr.Error != "" {
			return nil, &RefreshError{Code: tr.Error, Description: tr.ErrorDescription, StatusCode: resp.StatusCode}
		}
		return nil, &RefreshError{Code: "server_error", StatusCode: resp.StatusCode}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: failed to decode refresh response: %w", provider.ErrTransient, decodeErr)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access_token", provider.ErrTransient)
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tr.ExpiresIn > 0 {
		tok.Expiry = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// DirectRefresher refreshes against the provider's token endpoint
type DirectRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewDirectRefresher creates a refresher using the OAuth client config
func NewDirectRefresher(config *oauth2.Config, httpClient *http.Client) *DirectRefresher {
	return &DirectRefresher{config: config, httpClient: httpClient}
}

func (d *DirectRefresher) Refresh(ctx context.Context, cred *credentials.Credential) (*oauth2.Token, error) {
	if d.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
	}

	// A token without an access token is treated as expired, forcing the
	// source to use the refresh grant.
	src := d.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	return tok, nil
}

func classifyOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		code := re.ErrorCode
		if code == "" {
			code = "server_error"
		}
		return &RefreshError{Code: code, Description: re.ErrorDescription, StatusCode: status}
	}
	return provider.ClassifyTransport(err)
}

// chainRefresher tries the primary refresher and falls back to the second
// one unless the primary reported a permanent failure.
type chainRefresher struct {
	primary  Refresher
	fallback Refresher
}

func (c chainRefresher) Refresh(ctx context.Context, cred *credentials.Credential) (*oauth2.Token, error) {
	tok, err := c.primary.Refresh(ctx, cred)
	if err == nil || provider.IsPermanentAuth(err) || errors.Is(err, context.Canceled) {
		return tok, err
	}
	return c.fallback.Refresh(ctx, cred)
}

// instrumented records the outcome of each refresh under path
type instrumented struct {
	Refresher
	path string
}

func (i instrumented) Refresh(ctx context.Context, cred *credentials.Credential) (*oauth2.Token, error) {
	tok, err := i.Refresher.Refresh(ctx, cred)
	metrics.TokenRefreshTotal.WithLabelValues(cred.Provider, i.path, refreshResult(err)).Inc()
	return tok, err
}

func refreshResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case provider.IsPermanentAuth(err):
		return metrics.ResultPermanent
	default:
		return metrics.ResultTransient
	}
}
