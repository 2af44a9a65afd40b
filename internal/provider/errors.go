package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Failure kinds. Wrapped errors are matched with errors.Is.
var (
	// ErrAuthExpired means a provider call was rejected with 401; the
	// caller may force one token refresh and retry.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrPermanentAuth means the refresh grant is gone; the user must
	// reconnect the provider.
	ErrPermanentAuth = errors.New("reconnect required")

	// ErrTransient covers timeouts, connection failures and 5xx responses.
	ErrTransient = errors.New("transient upstream failure")

	// ErrPersistenceConflict is returned when an upsert fails.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrPartialData marks an optional metric missing from a response.
	ErrPartialData = errors.New("partial data unavailable")

	// ErrNotConnected means there is no credential for the provider.
	ErrNotConnected = errors.New("provider not connected")
)

// maxErrorBodySize bounds how much of a response body is kept on an HTTPError
const maxErrorBodySize = 500

// HTTPError is a non-2xx response from an upstream API
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", http.StatusText(e.StatusCode), e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", http.StatusText(e.StatusCode), e.StatusCode)
}

// Unwrap maps the status code onto the failure taxonomy
func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return ErrTransient
	}
	return nil
}

// ParseErrorResponse returns an *HTTPError for 4xx/5xx responses and nil
// otherwise. The body is re-wrapped so the caller can still read it.
func ParseErrorResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	body := ""
	if err == nil {
		body = truncate(string(bodyBytes), maxErrorBodySize)
	}

	httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: body}
	if resp.Request != nil && resp.Request.URL != nil {
		httpErr.URL = resp.Request.URL.String()
	}
	return httpErr
}

// ClassifyTransport wraps an error from http.Client.Do as ErrTransient.
// Caller cancellation is passed through unchanged.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsUnauthorized reports whether err is a 401 from a provider
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsServerError reports whether err is a 5xx response from a provider
func IsServerError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 500
}

// IsTransient reports whether err should be retried later without
// touching credentials.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanentAuth reports whether the user has to reconnect
func IsPermanentAuth(err error) bool {
	return errors.Is(err, ErrPermanentAuth)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
