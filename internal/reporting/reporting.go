// Package reporting sends failures to Sentry when a DSN is configured
package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"

	"wearable-sync/internal/provider"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Reporter captures errors. The zero value is a disabled reporter.
type Reporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// New initializes Sentry. An empty DSN returns a disabled reporter.
func New(cfg Config) (*Reporter, error) {
	logger := slog.Default().With("component", "reporting")
	if cfg.DSN == "" {
		logger.Warn("Sentry DSN not configured - error tracking disabled")
		return &Reporter{logger: logger}, nil
	}

	r, err := newReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, err
	}

	sentry.CurrentHub().BindClient(r.hub.Client())
	logger.Info("Sentry initialized", "environment", cfg.Environment, "release", cfg.Release)
	return r, nil
}

func newReporter(opts sentry.ClientOptions) (*Reporter, error) {
	next := opts.BeforeSend
	opts.BeforeSend = func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
		if event.Request != nil && event.Request.Headers != nil {
			delete(event.Request.Headers, "Authorization")
			delete(event.Request.Headers, "Cookie")
		}
		if next != nil {
			return next(event, hint)
		}
		return event
	}

	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: slog.Default().With("component", "reporting"),
	}, nil
}

// Enabled reports whether events are sent anywhere
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// ReportSyncFailure captures a failed sync, tagged with its failure kind
func (r *Reporter) ReportSyncFailure(userID string, err error) {
	r.capture(err, userID, map[string]string{
		"component": "syncer",
		"failure":   FailureKind(err),
	})
}

// CaptureException captures err with extra tags
func (r *Reporter) CaptureException(err error, userID string, tags map[string]string) {
	r.capture(err, userID, tags)
}

func (r *Reporter) capture(err error, userID string, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		if userID != "" {
			scope.SetUser(sentry.User{ID: userID})
		}
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
	r.logger.Debug("Exception captured in Sentry", "error", err.Error())
}

// FailureKind names the failure class of err for grouping
func FailureKind(err error) string {
	switch {
	case provider.IsPermanentAuth(err):
		return "permanent_auth"
	case provider.IsUnauthorized(err):
		return "auth_expired"
	case errors.Is(err, provider.ErrPersistenceConflict):
		return "persistence"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case provider.IsTransient(err):
		return "transient"
	}
	return "other"
}

// Flush waits for queued events to be sent
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

// Middleware recovers panics in handlers and reports them
func (r *Reporter) Middleware(next http.Handler) http.Handler {
	if !r.Enabled() {
		return next
	}
	return sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(next)
}
