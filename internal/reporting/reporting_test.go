package reporting

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/provider"
)

func TestDisabledReporter(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, r.Enabled())

	r.ReportSyncFailure("user-1", errors.New("boom"))
	assert.True(t, r.Flush(time.Millisecond))

	var nilReporter *Reporter
	nilReporter.ReportSyncFailure("user-1", errors.New("boom"))
}

func TestReportSyncFailure(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event

	r, err := newReporter(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, r.Enabled())

	r.ReportSyncFailure("user-1", fmt.Errorf("primary_provider: %w", provider.ErrPermanentAuth))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].User.ID)
	assert.Equal(t, "permanent_auth", events[0].Tags["failure"])
	assert.Equal(t, "syncer", events[0].Tags["component"])
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", provider.ErrPermanentAuth), "permanent_auth"},
		{&provider.HTTPError{StatusCode: 401}, "auth_expired"},
		{fmt.Errorf("%w: batch", provider.ErrPersistenceConflict), "persistence"},
		{fmt.Errorf("%w: 503", provider.ErrTransient), "transient"},
		{errors.New("something else"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureKind(tt.err), tt.err.Error())
	}
}
