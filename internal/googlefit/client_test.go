package googlefit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

type fakeFit struct {
	values   map[string][]any // data type -> first point values
	statuses map[string]int   // data type -> forced status code
	sessions []map[string]any
}

func (f *fakeFit) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/me/dataset:aggregate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req aggregateRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.AggregateBy, 1) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		dataType := req.AggregateBy[0].DataTypeName
		if code := f.statuses[dataType]; code != 0 {
			http.Error(w, `{"error":{"message":"nope"}}`, code)
			return
		}

		var points []map[string]any
		if vals, ok := f.values[dataType]; ok {
			var value []map[string]any
			for _, v := range vals {
				switch n := v.(type) {
				case int:
					value = append(value, map[string]any{"intVal": n})
				case float64:
					value = append(value, map[string]any{"fpVal": n})
				}
			}
			points = append(points, map[string]any{"value": value})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"bucket": []any{map[string]any{
				"startTimeMillis": "0",
				"dataset":         []any{map[string]any{"point": points}},
			}},
		})
	})
	mux.HandleFunc("GET /users/me/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("startTime"))
		assert.NotEmpty(t, r.URL.Query().Get("endTime"))
		json.NewEncoder(w).Encode(map[string]any{"session": f.sessions})
	})
	return mux
}

func setupClient(t *testing.T, h http.Handler) *Client {
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	c := NewClient(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	c.retryDelay = time.Millisecond
	return c
}

func testRequest(t *testing.T) provider.Request {
	day, err := model.ParseDay("2026-03-14", time.UTC)
	require.NoError(t, err)
	return provider.Request{UserID: "user-1", Day: day, AccessToken: "test-token"}
}

func TestFetchDay(t *testing.T) {
	f := &fakeFit{
		values: map[string][]any{
			TypeSteps:         {8000},
			TypeCalories:      {420.0},
			TypeActiveMinutes: {35},
			TypeHeartRate:     {72.5, 130.0, 55.0},
		},
		sessions: []map[string]any{
			{
				"id":              "run-1",
				"name":            "Morning run",
				"startTimeMillis": "1773482400000",
				"endTimeMillis":   "1773484200000",
				"activityType":    8,
			},
			{
				"id":              "walk-1",
				"startTimeMillis": 1773500000000,
				"endTimeMillis":   1773501000000,
				"activityType":    "walking",
			},
		},
	}
	c := setupClient(t, f.handler(t))

	activity, err := c.FetchDay(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.NotNil(t, activity)

	assert.Equal(t, "2026-03-14", activity.Date)
	assert.Equal(t, int64(8000), activity.Steps)
	assert.Equal(t, 420.0, activity.CaloriesBurned)
	assert.Equal(t, int64(35), activity.ActiveMinutes)
	require.NotNil(t, activity.HeartRateAvg)
	assert.Equal(t, 72.5, *activity.HeartRateAvg)
	assert.Zero(t, activity.DistanceMeters)

	require.Len(t, activity.Sessions, 2)
	run := activity.Sessions[0]
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "running", run.ActivityType)
	assert.Equal(t, "Morning run", run.Name)
	assert.Equal(t, 30*time.Minute, run.Duration())
	assert.NotEmpty(t, run.Raw)
	assert.Equal(t, "walking", activity.Sessions[1].ActivityType)
}

func TestFetchDayMissingHeartRate(t *testing.T) {
	f := &fakeFit{values: map[string][]any{TypeSteps: {1200}}}
	c := setupClient(t, f.handler(t))

	activity, err := c.FetchDay(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Equal(t, int64(1200), activity.Steps)
	assert.Zero(t, activity.CaloriesBurned)
	assert.Nil(t, activity.HeartRateAvg)
}

func TestFetchDayHeartRateFailureDegrades(t *testing.T) {
	f := &fakeFit{
		values:   map[string][]any{TypeSteps: {500}},
		statuses: map[string]int{TypeHeartRate: http.StatusForbidden},
	}
	c := setupClient(t, f.handler(t))

	activity, err := c.FetchDay(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Nil(t, activity.HeartRateAvg)
}

func TestFetchDayNothingRecorded(t *testing.T) {
	c := setupClient(t, (&fakeFit{}).handler(t))

	activity, err := c.FetchDay(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Nil(t, activity)
}

func TestFetchDayUnauthorized(t *testing.T) {
	f := &fakeFit{statuses: map[string]int{TypeSteps: http.StatusUnauthorized}}
	c := setupClient(t, f.handler(t))

	_, err := c.FetchDay(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.True(t, provider.IsUnauthorized(err))
	assert.False(t, provider.IsTransient(err))
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := setupClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"session": []any{}})
	}))

	sessions, err := c.ListSessions(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := setupClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.ListSessions(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.True(t, provider.IsServerError(err))
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := NewClient(Options{BaseURL: server.URL, HTTPClient: server.Client(), Timeout: 50 * time.Millisecond})
	c.retryDelay = time.Millisecond

	_, err := c.ListSessions(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestSessionDistance(t *testing.T) {
	var got aggregateRequest
	c := setupClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"bucket": []any{map[string]any{
				"dataset": []any{map[string]any{"point": []any{
					map[string]any{"value": []any{map[string]any{"fpVal": 2500.5}}},
					map[string]any{"value": []any{map[string]any{"fpVal": 1000.0}}},
				}}},
			}},
		})
	}))

	start := time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC)
	session := model.RawSession{ID: "run-1", StartTime: start, EndTime: start.Add(40 * time.Minute)}

	meters, err := c.SessionDistance(context.Background(), testRequest(t), session)
	require.NoError(t, err)
	assert.Equal(t, 3500.5, meters)

	assert.Equal(t, TypeDistance, got.AggregateBy[0].DataTypeName)
	assert.Equal(t, start.UnixMilli(), got.StartTimeMillis)
	assert.Equal(t, start.Add(40*time.Minute).UnixMilli(), got.EndTimeMillis)
	assert.Equal(t, (40 * time.Minute).Milliseconds(), got.BucketByTime.DurationMillis)
}

func TestSessionDistanceEmptyWindow(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:0"})
	start := time.Now()

	meters, err := c.SessionDistance(context.Background(), provider.Request{}, model.RawSession{StartTime: start, EndTime: start})
	require.NoError(t, err)
	assert.Zero(t, meters)
}

func TestListSessionsPagination(t *testing.T) {
	var calls atomic.Int32
	c := setupClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"session":       []any{map[string]any{"id": "a", "startTimeMillis": "1000", "endTimeMillis": "2000", "activityTypeId": 1}},
				"nextPageToken": "next",
				"hasMoreData":   true,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"session": []any{
				map[string]any{"startTimeMillis": "3000", "endTimeMillis": "4000", "activity": "swimming"},
				map[string]any{"id": "broken"},
			},
		})
	}))

	sessions, err := c.ListSessions(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "biking", sessions[0].ActivityType)
	assert.Equal(t, "3000-4000", sessions[1].ID)
	assert.Equal(t, "swimming", sessions[1].ActivityType)
}
