// Package syncer decides where a user's daily activity comes from, runs the
// fetch, classify and persist pipeline, and keeps per-user run state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wearable-sync/internal/classify"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

const (
	DefaultPersistTimeout   = 10 * time.Second
	DefaultBreakerThreshold = 3
	DefaultBreakerCooldown  = 5 * time.Minute
)

// TokenProvider hands out access tokens for the primary provider
type TokenProvider interface {
	GetAccessToken(ctx context.Context, userID, provider string, forceRefresh bool) (string, error)
}

// Store is the persistence the orchestrator needs
type Store interface {
	GetSnapshot(ctx context.Context, userID, date string) (*model.DailySnapshot, error)
	UpsertSnapshot(ctx context.Context, s *model.DailySnapshot) error
	UpsertSessions(ctx context.Context, userID string, sessions []model.Session) error
	IsConnected(ctx context.Context, userID, provider string) (bool, error)
	SetConnected(ctx context.Context, userID, provider string, connected bool) error
}

// Notifier is told about every persisted snapshot
type Notifier interface {
	OnSyncSuccess(userID, date string)
}

// Reporter receives failures worth alerting on
type Reporter interface {
	ReportSyncFailure(userID string, err error)
}

// Options wires an Orchestrator. Secondary and Uploads may be nil.
type Options struct {
	Tokens          TokenProvider
	Store           Store
	Primary         provider.Fetcher
	PrimaryProvider string
	Secondary       provider.Fetcher
	Uploads         provider.Fetcher
	Notifier        Notifier
	Reporter        Reporter
	Location        *time.Location
	PersistTimeout  time.Duration
}

// Orchestrator runs syncs. At most one sync per user is in flight.
type Orchestrator struct {
	tokens          TokenProvider
	store           Store
	primary         provider.Fetcher
	primaryProvider string
	secondary       provider.Fetcher
	uploads         provider.Fetcher
	notifier        Notifier
	reporter        Reporter
	loc             *time.Location
	persistTimeout  time.Duration
	threshold       int
	cooldown        time.Duration
	now             func() time.Time
	logger          *slog.Logger

	mu     sync.Mutex
	states map[string]*RunState
	// writers serializes a sync with an upload import for the same user
	writers map[string]chan struct{}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.PrimaryProvider == "" {
		opts.PrimaryProvider = provider.GoogleFit
	}
	return &Orchestrator{
		tokens:          opts.Tokens,
		store:           opts.Store,
		primary:         opts.Primary,
		primaryProvider: opts.PrimaryProvider,
		secondary:       opts.Secondary,
		uploads:         opts.Uploads,
		notifier:        opts.Notifier,
		reporter:        opts.Reporter,
		loc:             opts.Location,
		persistTimeout:  opts.PersistTimeout,
		threshold:       DefaultBreakerThreshold,
		cooldown:        DefaultBreakerCooldown,
		now:             time.Now,
		logger:          slog.Default().With("component", "syncer"),
		states:          make(map[string]*RunState),
		writers:         make(map[string]chan struct{}),
	}
}

// SyncNow syncs today's activity for userID. A nil snapshot with a nil
// error means nothing was done: a sync was already running, the breaker
// is open, or no source had data.
func (o *Orchestrator) SyncNow(ctx context.Context, userID string) (*model.DailySnapshot, error) {
	start := o.now()

	o.mu.Lock()
	st := o.stateLocked(userID)
	if st.IsSyncing {
		o.mu.Unlock()
		metrics.SyncSkippedTotal.WithLabelValues(metrics.SkipInFlight).Inc()
		o.logger.Debug("Sync already in flight", "user_id", userID)
		return nil, nil
	}
	if st.circuitOpen(start, o.threshold, o.cooldown) {
		o.mu.Unlock()
		metrics.SyncSkippedTotal.WithLabelValues(metrics.SkipCircuitOpen).Inc()
		o.logger.Info("Sync suppressed after repeated failures", "user_id", userID,
			"consecutive_errors", st.ConsecutiveErrors)
		return nil, nil
	}
	st.IsSyncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		st.IsSyncing = false
		if st.evicted && o.states[userID] == st {
			delete(o.states, userID)
		}
		o.mu.Unlock()
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()

	unlock, err := o.lockWriter(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	day := model.DayFor(start, o.loc)
	snap, err := o.syncDay(ctx, userID, day)

	now := o.now()
	if err != nil {
		o.mu.Lock()
		st.failed(now, err)
		o.mu.Unlock()
		o.handleFailure(ctx, userID, err)
		return nil, err
	}

	o.mu.Lock()
	st.succeeded(now)
	o.mu.Unlock()

	if snap == nil {
		metrics.SyncRunsTotal.WithLabelValues("none", metrics.ResultEmpty).Inc()
		o.logger.Info("No activity source had data", "user_id", userID, "date", day.Date)
		return nil, nil
	}

	metrics.SyncRunsTotal.WithLabelValues(string(snap.SyncSource), metrics.ResultSuccess).Inc()
	o.logger.Info("Sync completed", "user_id", userID, "date", day.Date, "source", snap.SyncSource,
		"steps", snap.Steps, "sessions", len(snap.Sessions), "duration_ms", time.Since(start).Milliseconds())
	return snap, nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, userID string, err error) {
	result := metrics.ResultFailure
	switch {
	case provider.IsPermanentAuth(err):
		result = metrics.ResultPermanent
		if serr := o.store.SetConnected(context.WithoutCancel(ctx), userID, o.primaryProvider, false); serr != nil {
			o.logger.Error("Failed to clear connection flag", "user_id", userID, "error", serr)
		}
	case provider.IsTransient(err):
		result = metrics.ResultTransient
	}
	metrics.SyncRunsTotal.WithLabelValues("none", result).Inc()

	o.logger.Error("Sync failed", "user_id", userID, "error", err)
	if o.reporter != nil && !errors.Is(err, context.Canceled) {
		o.reporter.ReportSyncFailure(userID, err)
	}
}

// syncDay tries each source in priority order and persists the first one
// with data.
func (o *Orchestrator) syncDay(ctx context.Context, userID string, day model.Day) (*model.DailySnapshot, error) {
	for _, src := range model.Sources {
		var snap *model.DailySnapshot
		var err error

		switch src {
		case model.SourceUploadedFile:
			snap, err = o.fromUpload(ctx, userID, day)
		case model.SourcePrimary:
			snap, err = o.fromPrimary(ctx, userID, day)
		case model.SourceSecondary:
			snap, err = o.fromFetcher(ctx, o.secondary, src, provider.Request{UserID: userID, Day: day})
		case model.SourceManual:
			// written by the app directly
		default:
			return nil, fmt.Errorf("unhandled sync source %q", src)
		}

		if err != nil {
			return nil, fmt.Errorf("%s: %w", src, err)
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, nil
}

// fromUpload returns the day's uploaded-file snapshot without touching the
// network. An upload whose import never completed is imported now.
func (o *Orchestrator) fromUpload(ctx context.Context, userID string, day model.Day) (*model.DailySnapshot, error) {
	existing, err := o.store.GetSnapshot(ctx, userID, day.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if existing != nil && existing.SyncSource == model.SourceUploadedFile {
		return existing, nil
	}
	return o.fromFetcher(ctx, o.uploads, model.SourceUploadedFile, provider.Request{UserID: userID, Day: day})
}

func (o *Orchestrator) fromFetcher(ctx context.Context, f provider.Fetcher, src model.Source, req provider.Request) (*model.DailySnapshot, error) {
	if f == nil {
		return nil, nil
	}
	c, err := o.collect(ctx, f, req)
	if err != nil || c == nil {
		return nil, err
	}
	return o.persist(ctx, req.UserID, req.Day, src, c)
}

// fromPrimary fetches from the remote provider. A 401 forces one token
// refresh and one retry; a second 401 fails the sync.
func (o *Orchestrator) fromPrimary(ctx context.Context, userID string, day model.Day) (*model.DailySnapshot, error) {
	if o.primary == nil {
		return nil, nil
	}
	connected, err := o.store.IsConnected(ctx, userID, o.primaryProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to check connection: %w", err)
	}
	if !connected {
		return nil, nil
	}

	var c *collected
	state := fetchIdle
	for state != fetchDone && state != fetchFailed {
		switch state {
		case fetchIdle:
			state = fetchFetching
		case fetchFetching, fetchRetrying:
			force := state == fetchRetrying
			c, err = o.attemptPrimary(ctx, userID, day, force)
			switch {
			case err == nil:
				if force {
					metrics.AuthRetryTotal.WithLabelValues(metrics.ResultSuccess).Inc()
				}
				state = fetchDone
			case provider.IsUnauthorized(err) && state == fetchFetching:
				o.logger.Info("Access token rejected, refreshing and retrying", "user_id", userID)
				state = fetchRetrying
			default:
				if force {
					metrics.AuthRetryTotal.WithLabelValues(metrics.ResultFailure).Inc()
				}
				state = fetchFailed
			}
		}
	}

	if state == fetchFailed {
		o.logger.Debug("Primary fetch ended", "user_id", userID, "state", state, "error", err)
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return o.persist(ctx, userID, day, model.SourcePrimary, c)
}

func (o *Orchestrator) attemptPrimary(ctx context.Context, userID string, day model.Day, force bool) (*collected, error) {
	token, err := o.tokens.GetAccessToken(ctx, userID, o.primaryProvider, force)
	if err != nil {
		return nil, err
	}
	return o.collect(ctx, o.primary, provider.Request{UserID: userID, Day: day, AccessToken: token})
}

type collected struct {
	activity *model.DailyActivity
	kept     []model.RawSession
	distance float64
}

// collect fetches a day, classifies its sessions and sums the distance of
// the kept ones.
func (o *Orchestrator) collect(ctx context.Context, f provider.Fetcher, req provider.Request) (*collected, error) {
	activity, err := f.FetchDay(ctx, req)
	if err != nil {
		return nil, err
	}
	if activity == nil {
		return nil, nil
	}
	return o.summarize(ctx, activity, func(ctx context.Context, s model.RawSession) (float64, error) {
		return f.SessionDistance(ctx, req, s)
	})
}

func (o *Orchestrator) summarize(ctx context.Context, activity *model.DailyActivity, distance classify.DistanceFunc) (*collected, error) {
	kept := classify.Classify(activity.Sessions)
	total, err := classify.AggregateDistance(ctx, kept, distance)
	if err != nil {
		if !errors.Is(err, provider.ErrPartialData) {
			return nil, err
		}
		o.logger.Warn("Some session distances unavailable", "date", activity.Date, "error", err)
	}
	return &collected{activity: activity, kept: kept, distance: total}, nil
}

func (o *Orchestrator) persist(ctx context.Context, userID string, day model.Day, src model.Source, c *collected) (*model.DailySnapshot, error) {
	snap := &model.DailySnapshot{
		UserID:         userID,
		Date:           day.Date,
		Steps:          c.activity.Steps,
		CaloriesBurned: c.activity.CaloriesBurned,
		ActiveMinutes:  c.activity.ActiveMinutes,
		DistanceMeters: c.distance,
		HeartRateAvg:   c.activity.HeartRateAvg,
		Sessions:       classify.SessionRefs(c.kept),
		LastSyncedAt:   o.now(),
		SyncSource:     src,
	}

	pctx, cancel := context.WithTimeout(ctx, o.persistTimeout)
	defer cancel()

	if err := o.store.UpsertSnapshot(pctx, snap); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	if sessions := classify.ToSessions(userID, src, c.kept); len(sessions) > 0 {
		if err := o.store.UpsertSessions(pctx, userID, sessions); err != nil {
			o.logger.Warn("Some sessions were not persisted", "user_id", userID, "date", day.Date, "error", err)
		}
	}

	if o.notifier != nil {
		o.notifier.OnSyncSuccess(userID, day.Date)
	}
	return snap, nil
}

// ImportUpload builds and stores the snapshot for a freshly uploaded device
// file. It bypasses source priority; the upload always wins for its day.
// An import waits for a sync of the same user to finish before writing.
func (o *Orchestrator) ImportUpload(ctx context.Context, u *model.DeviceUpload) (*model.DailySnapshot, error) {
	day, err := model.ParseDay(u.Date, o.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid upload date %q: %w", u.Date, err)
	}

	unlock, err := o.lockWriter(ctx, u.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for sync to finish: %w", err)
	}
	defer unlock()

	activity := u.Activity
	req := provider.Request{UserID: u.UserID, Day: day}
	c, err := o.summarize(ctx, &activity, func(ctx context.Context, s model.RawSession) (float64, error) {
		if o.uploads == nil {
			if s.DistanceMeters != nil {
				return *s.DistanceMeters, nil
			}
			return 0, nil
		}
		return o.uploads.SessionDistance(ctx, req, s)
	})
	if err != nil {
		return nil, err
	}

	snap, err := o.persist(ctx, u.UserID, day, model.SourceUploadedFile, c)
	if err != nil {
		return nil, err
	}
	metrics.SyncRunsTotal.WithLabelValues(string(model.SourceUploadedFile), metrics.ResultSuccess).Inc()
	return snap, nil
}

// State returns a copy of the user's run state
func (o *Orchestrator) State(userID string) RunState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st, ok := o.states[userID]; ok && !st.evicted {
		return st.copy()
	}
	return RunState{Status: StatusPending}
}

// Evict forgets a user's run state, e.g. on sign-out. An entry with a sync
// in flight is kept until that sync finishes, so a new sync cannot start
// alongside it.
func (o *Orchestrator) Evict(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.states[userID]
	if !ok {
		return
	}
	if st.IsSyncing {
		st.evicted = true
		return
	}
	delete(o.states, userID)
}

// KnownUsers lists users with run state in this process, sorted
func (o *Orchestrator) KnownUsers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	users := make([]string, 0, len(o.states))
	for u, st := range o.states {
		if !st.evicted {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users
}

func (o *Orchestrator) stateLocked(userID string) *RunState {
	st, ok := o.states[userID]
	if !ok {
		st = &RunState{Status: StatusPending}
		o.states[userID] = st
	}
	return st
}

// lockWriter waits until no other sync or import is writing for userID.
// The returned func releases the lock.
func (o *Orchestrator) lockWriter(ctx context.Context, userID string) (func(), error) {
	o.mu.Lock()
	w, ok := o.writers[userID]
	if !ok {
		w = make(chan struct{}, 1)
		o.writers[userID] = w
	}
	o.mu.Unlock()

	select {
	case w <- struct{}{}:
		return func() { <-w }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
