package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

type recordingSyncer struct {
	mu     sync.Mutex
	known  []string
	synced chan string
}

func (r *recordingSyncer) SyncNow(_ context.Context, userID string) (*model.DailySnapshot, error) {
	select {
	case r.synced <- userID:
	default:
	}
	if userID == "broken" {
		return nil, errors.New("sync failed")
	}
	return nil, nil
}

func (r *recordingSyncer) KnownUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known
}

type staticUsers []string

func (s staticUsers) ListConnectedUsers(context.Context, string) ([]string, error) {
	return s, nil
}

func TestSchedulerTicksOverActiveUsers(t *testing.T) {
	syncer := &recordingSyncer{known: []string{"local", "shared"}, synced: make(chan string, 16)}
	s := NewScheduler(syncer, staticUsers{"shared", "remote", "broken"}, provider.GoogleFit, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	got := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case u := <-syncer.synced:
			got[u] = true
		case <-deadline:
			t.Fatalf("only synced %v", got)
		}
	}
	assert.Equal(t, map[string]bool{"local": true, "shared": true, "remote": true, "broken": true}, got)
}

func TestSchedulerNotify(t *testing.T) {
	syncer := &recordingSyncer{synced: make(chan string, 4)}
	s := NewScheduler(syncer, staticUsers{}, provider.GoogleFit, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	s.Notify("user-1")

	select {
	case u := <-syncer.synced:
		assert.Equal(t, "user-1", u)
	case <-time.After(2 * time.Second):
		t.Fatal("notify did not trigger a sync")
	}
}

// stallingSyncer blocks syncs for "a-slow" until release is closed
type stallingSyncer struct {
	release   chan struct{}
	synced    chan string
	slowCalls atomic.Int32
}

func (s *stallingSyncer) SyncNow(ctx context.Context, userID string) (*model.DailySnapshot, error) {
	if userID == "a-slow" {
		s.slowCalls.Add(1)
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}
	select {
	case s.synced <- userID:
	default:
	}
	return nil, nil
}

func (s *stallingSyncer) KnownUsers() []string { return nil }

func TestSlowUserDoesNotDelayOthers(t *testing.T) {
	syncer := &stallingSyncer{release: make(chan struct{}), synced: make(chan string, 16)}
	s := NewScheduler(syncer, staticUsers{"a-slow", "b-fast"}, provider.GoogleFit, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	s.Notify("c-foreground")

	got := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !got["b-fast"] || !got["c-foreground"] {
		select {
		case u := <-syncer.synced:
			got[u] = true
		case <-deadline:
			t.Fatalf("blocked behind slow user, synced %v", got)
		}
	}
	assert.False(t, got["a-slow"])
	// later ticks do not stack a second sync behind the stalled one
	assert.LessOrEqual(t, syncer.slowCalls.Load(), int32(1))

	close(syncer.release)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s := NewScheduler(&recordingSyncer{synced: make(chan string, 1)}, staticUsers{}, provider.GoogleFit, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestActiveUsersDeduplicates(t *testing.T) {
	syncer := &recordingSyncer{known: []string{"b", "a"}}
	s := NewScheduler(syncer, staticUsers{"a", "c"}, provider.GoogleFit, time.Hour)

	assert.Equal(t, []string{"a", "b", "c"}, s.activeUsers(context.Background()))
}
