// Package googlefit fetches daily activity from the Google Fit REST API.
package googlefit

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
	"strconv"
	"time"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
)

const (
	DefaultBaseURL = "https://www.googleapis.com/fitness/v1"
	DefaultTimeout = 30 * time.Second

	maxRetries   = 2
	initialDelay = 500 * time.Millisecond
	maxDelay     = 5 * time.Second
	maxBodySize  = 10 << 20
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client is a Google Fit API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a new Google Fit API client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		httpClient: opts.HTTPClient,
		baseURL:    opts.BaseURL,
		timeout:    opts.Timeout,
		retryDelay: initialDelay,
		logger:     slog.Default().With("component", "googlefit"),
	}
}

// doRequest performs an API call with retries on 429 and 5xx. The whole
// call, retries included, is bounded by the client timeout.
func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body any, accessToken string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying request", "operation", op, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, provider.ClassifyTransport(errors.Join(lastErr, ctx.Err()))
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)
		metrics.ProviderRequestDuration.WithLabelValues(provider.GoogleFit, op).Observe(duration.Seconds())

		if err != nil {
			metrics.ProviderRequestsTotal.WithLabelValues(provider.GoogleFit, op, "error").Inc()
			c.logger.Warn("Request failed", "operation", op, "error", err, "attempt", attempt)
			lastErr = provider.ClassifyTransport(err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		metrics.ProviderRequestsTotal.WithLabelValues(provider.GoogleFit, op, strconv.Itoa(resp.StatusCode)).Inc()
		c.logger.Debug("googlefit_api_request", "operation", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

		if err := provider.ParseErrorResponse(resp); err != nil {
			lastErr = err
			if provider.IsTransient(err) {
				if retryAfter := parseRetryAfter(resp.Header); retryAfter > 0 {
					delay = min(retryAfter, maxDelay)
				}
				continue
			}
			return nil, err
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		if err != nil {
			return nil, provider.ClassifyTransport(err)
		}
		return respBody, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// parseRetryAfter extracts retry delay from Retry-After header
func parseRetryAfter(headers http.Header) time.Duration {
	seconds, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
