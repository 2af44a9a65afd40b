package syncer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
)

const (
	// DefaultSyncInterval is how often every active user is synced
	DefaultSyncInterval = 15 * time.Minute
	// DefaultMaxConcurrentSyncs bounds the syncs the scheduler runs at once
	DefaultMaxConcurrentSyncs = 8
)

// Syncer is the part of Orchestrator the scheduler drives
type Syncer interface {
	SyncNow(ctx context.Context, userID string) (*model.DailySnapshot, error)
	KnownUsers() []string
}

// UserLister lists users with the primary provider connected
type UserLister interface {
	ListConnectedUsers(ctx context.Context, provider string) ([]string, error)
}

// Scheduler syncs every active user on an interval, and individual users
// when the app reports it came to the foreground or back online.
type Scheduler struct {
	syncer   Syncer
	users    UserLister
	provider string
	interval time.Duration
	events   chan string
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler; call Start to run it
func NewScheduler(syncer Syncer, users UserLister, provider string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		syncer:   syncer,
		users:    users,
		provider: provider,
		interval: interval,
		events:   make(chan string, 64),
		sem:      semaphore.NewWeighted(DefaultMaxConcurrentSyncs),
		logger:   slog.Default().With("component", "scheduler"),
		pending:  make(map[string]bool),
	}
}

// Notify requests a sync for one user. It never blocks; requests are
// dropped while the queue is full.
func (s *Scheduler) Notify(userID string) {
	select {
	case s.events <- userID:
	default:
		s.logger.Debug("Dropping sync request", "user_id", userID)
	}
}

// Start runs until ctx is done, then waits for dispatched syncs to return.
// Each user syncs in its own goroutine so a slow provider call for one user
// never delays another.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting sync scheduler", "interval", s.interval)
	metrics.SchedulerActive.Set(1)
	defer metrics.SchedulerActive.Set(0)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sync scheduler")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.syncAll(ctx)
		case userID := <-s.events:
			s.dispatch(ctx, userID)
		}
	}
}

// activeUsers merges connected users with users seen by this process
func (s *Scheduler) activeUsers(ctx context.Context) []string {
	seen := map[string]bool{}
	for _, u := range s.syncer.KnownUsers() {
		seen[u] = true
	}

	connected, err := s.users.ListConnectedUsers(ctx, s.provider)
	if err != nil {
		s.logger.Error("Failed to list connected users", "error", err)
	}
	for _, u := range connected {
		seen[u] = true
	}

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s *Scheduler) syncAll(ctx context.Context) {
	users := s.activeUsers(ctx)
	s.logger.Debug("Scheduled sync pass", "users", len(users))

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, userID)
	}
}

// dispatch starts a sync for userID unless one is already queued or
// running from this scheduler.
func (s *Scheduler) dispatch(ctx context.Context, userID string) {
	s.mu.Lock()
	if s.pending[userID] {
		s.mu.Unlock()
		return
	}
	s.pending[userID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.pending, userID)
			s.mu.Unlock()
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.syncOne(ctx, userID)
	}()
}

func (s *Scheduler) syncOne(ctx context.Context, userID string) {
	if _, err := s.syncer.SyncNow(ctx, userID); err != nil {
		s.logger.Warn("Scheduled sync failed", "user_id", userID, "error", err)
	}
}
