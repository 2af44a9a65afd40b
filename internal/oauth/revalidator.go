package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
)

// DefaultRevalidateInterval is how often every connected user's token is
// checked in the background.
const DefaultRevalidateInterval = 5 * time.Minute

// DefaultMaxConcurrentRevalidations bounds the token checks run at once
const DefaultMaxConcurrentRevalidations = 8

// Event is an app lifecycle signal that should prompt revalidation
type Event string

const (
	EventForeground Event = "foreground"
	EventFocus      Event = "focus"
	EventOnline     Event = "online"
)

// ParseEvent validates a lifecycle event name
func ParseEvent(s string) (Event, error) {
	switch e := Event(s); e {
	case EventForeground, EventFocus, EventOnline:
		return e, nil
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// TokenSource is the part of Manager the revalidator drives
type TokenSource interface {
	Provider() string
	GetAccessToken(ctx context.Context, userID, provider string, forceRefresh bool) (string, error)
}

// UserLister lists the users with a provider connected
type UserLister interface {
	ListConnectedUsers(ctx context.Context, provider string) ([]string, error)
}

type signal struct {
	userID string
	event  Event
}

// Revalidator keeps tokens fresh in the background so that a sync rarely
// has to refresh inline.
type Revalidator struct {
	tokens   TokenSource
	users    UserLister
	interval time.Duration
	signals  chan signal
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
}

// NewRevalidator creates a revalidator; call Run to start it
func NewRevalidator(tokens TokenSource, users UserLister, interval time.Duration) *Revalidator {
	if interval <= 0 {
		interval = DefaultRevalidateInterval
	}
	return &Revalidator{
		tokens:   tokens,
		users:    users,
		interval: interval,
		signals:  make(chan signal, 64),
		sem:      semaphore.NewWeighted(DefaultMaxConcurrentRevalidations),
		logger:   slog.Default().With("component", "revalidator"),
		pending:  make(map[string]bool),
	}
}

// Notify schedules revalidation for one user. It never blocks; signals are
// dropped while the buffer is full.
func (r *Revalidator) Notify(userID string, event Event) {
	select {
	case r.signals <- signal{userID: userID, event: event}:
	default:
		r.logger.Debug("Dropping revalidation signal", "user_id", userID, "event", event)
	}
}

// Run revalidates on every tick and on every signal until ctx is done.
// Users are revalidated concurrently; Run returns once in-flight checks
// have finished.
func (r *Revalidator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Revalidator started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Revalidator stopping")
			r.wg.Wait()
			return
		case <-ticker.C:
			metrics.TokenRevalidationsTotal.WithLabelValues("interval").Inc()
			r.revalidateAll(ctx)
		case s := <-r.signals:
			metrics.TokenRevalidationsTotal.WithLabelValues(string(s.event)).Inc()
			r.dispatch(ctx, s.userID)
		}
	}
}

func (r *Revalidator) revalidateAll(ctx context.Context) {
	users, err := r.users.ListConnectedUsers(ctx, r.tokens.Provider())
	if err != nil {
		r.logger.Error("Failed to list connected users", "error", err)
		return
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		r.dispatch(ctx, u)
	}
}

func (r *Revalidator) dispatch(ctx context.Context, userID string) {
	r.mu.Lock()
	if r.pending[userID] {
		r.mu.Unlock()
		return
	}
	r.pending[userID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, userID)
			r.mu.Unlock()
		}()

		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)
		r.revalidate(ctx, userID)
	}()
}

func (r *Revalidator) revalidate(ctx context.Context, userID string) {
	_, err := r.tokens.GetAccessToken(ctx, userID, r.tokens.Provider(), false)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrNotConnected):
	case provider.IsPermanentAuth(err):
		r.logger.Warn("Credential revoked during revalidation", "user_id", userID, "error", err)
	default:
		r.logger.Error("Token revalidation failed", "user_id", userID, "error", err)
	}
}
