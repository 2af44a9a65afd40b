package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/provider"
)

type recordingTokens struct {
	mu    sync.Mutex
	users []string
	seen  chan string
}

func (r *recordingTokens) Provider() string { return provider.GoogleFit }

func (r *recordingTokens) GetAccessToken(_ context.Context, userID, _ string, force bool) (string, error) {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.mu.Unlock()
	if force {
		return "", nil
	}
	select {
	case r.seen <- userID:
	default:
	}
	return "tok", nil
}

type staticUsers []string

func (s staticUsers) ListConnectedUsers(context.Context, string) ([]string, error) {
	return s, nil
}

// stallingTokens blocks revalidation of "a-slow" until release is closed
type stallingTokens struct {
	release chan struct{}
	seen    chan string
}

func (s *stallingTokens) Provider() string { return provider.GoogleFit }

func (s *stallingTokens) GetAccessToken(ctx context.Context, userID, _ string, _ bool) (string, error) {
	if userID == "a-slow" {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	select {
	case s.seen <- userID:
	default:
	}
	return "tok", nil
}

func TestParseEvent(t *testing.T) {
	for _, name := range []string{"foreground", "focus", "online"} {
		ev, err := ParseEvent(name)
		require.NoError(t, err)
		assert.Equal(t, Event(name), ev)
	}
	_, err := ParseEvent("background")
	assert.Error(t, err)
}

func TestRevalidatorNotify(t *testing.T) {
	tokens := &recordingTokens{seen: make(chan string, 8)}
	r := NewRevalidator(tokens, staticUsers{}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Notify("u1", EventForeground)

	select {
	case u := <-tokens.seen:
		assert.Equal(t, "u1", u)
	case <-time.After(2 * time.Second):
		t.Fatal("revalidation did not run after notify")
	}
}

func TestRevalidatorTicksOverConnectedUsers(t *testing.T) {
	tokens := &recordingTokens{seen: make(chan string, 8)}
	r := NewRevalidator(tokens, staticUsers{"a", "b"}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	got := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case u := <-tokens.seen:
			got[u] = true
		case <-deadline:
			t.Fatalf("only revalidated %v", got)
		}
	}
	assert.True(t, got["a"] && got["b"])
}

func TestRevalidatorSlowUserDoesNotDelayOthers(t *testing.T) {
	tokens := &stallingTokens{release: make(chan struct{}), seen: make(chan string, 16)}
	r := NewRevalidator(tokens, staticUsers{"a-slow", "b-fast"}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.Notify("c-online", EventOnline)

	got := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !got["b-fast"] || !got["c-online"] {
		select {
		case u := <-tokens.seen:
			got[u] = true
		case <-deadline:
			t.Fatalf("blocked behind slow user, revalidated %v", got)
		}
	}
	assert.False(t, got["a-slow"])

	close(tokens.release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("revalidator did not stop")
	}
}
