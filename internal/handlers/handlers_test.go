package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-sync/internal/healthstore"
	"wearable-sync/internal/model"
	"wearable-sync/internal/oauth"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/syncer"
	"wearable-sync/internal/upload"
)

const testAPIKey = "test_api_key"

type fakeFlow struct {
	disconnected  []string
	disconnectErr error
}

func (f *fakeFlow) Provider() string { return provider.GoogleFit }

func (f *fakeFlow) AuthURL(userID string) (string, string, error) {
	return "https://accounts.example.com/auth?state=abc&user=" + userID, "abc", nil
}

func (f *fakeFlow) HandleCallback(_ context.Context, code, state string) (string, error) {
	if state != "good" {
		return "", errors.New("invalid or expired state")
	}
	return "user-1", nil
}

func (f *fakeFlow) Disconnect(_ context.Context, userID string) error {
	f.disconnected = append(f.disconnected, userID)
	return f.disconnectErr
}

type fakeSyncer struct {
	snap    *model.DailySnapshot
	err     error
	evicted []string
}

func (f *fakeSyncer) SyncNow(context.Context, string) (*model.DailySnapshot, error) {
	return f.snap, f.err
}

func (f *fakeSyncer) State(string) syncer.RunState {
	return syncer.RunState{Status: syncer.StatusSuccess}
}

func (f *fakeSyncer) Evict(userID string) { f.evicted = append(f.evicted, userID) }

type fakeSnapshots map[string]*model.DailySnapshot

func (f fakeSnapshots) GetSnapshot(_ context.Context, userID, date string) (*model.DailySnapshot, error) {
	return f[userID+"/"+date], nil
}

type evictRecorder struct{ users []string }

func (e *evictRecorder) Evict(userID string) { e.users = append(e.users, userID) }

type fakeUploader struct {
	gotName string
	gotSize int
	err     error
}

func (f *fakeUploader) Ingest(_ context.Context, userID, fileName string, data []byte) ([]*model.DailySnapshot, error) {
	f.gotName = fileName
	f.gotSize = len(data)
	if f.err != nil {
		return nil, f.err
	}
	return []*model.DailySnapshot{{UserID: userID, Date: "2026-03-14", SyncSource: model.SourceUploadedFile}}, nil
}

type fakeSamples struct {
	recorded []model.DailyActivity
}

func (f *fakeSamples) Record(_ context.Context, _ string, a model.DailyActivity) error {
	if err := healthstore.Validate(a); err != nil {
		return fmt.Errorf("%w: %w", healthstore.ErrInvalidSample, err)
	}
	f.recorded = append(f.recorded, a)
	return nil
}

type notifications struct {
	lifecycle []oauth.Event
	syncs     []string
	upstream  []string
}

type revalidatorFunc func(string, oauth.Event)

func (f revalidatorFunc) Notify(userID string, e oauth.Event) { f(userID, e) }

type schedulerFunc func(string)

func (f schedulerFunc) Notify(userID string) { f(userID) }

type upstreamFunc func(string)

func (f upstreamFunc) OnUpstreamChange(userID string) { f(userID) }

type harness struct {
	router   http.Handler
	flow     *fakeFlow
	syncer   *fakeSyncer
	creds    *evictRecorder
	uploader *fakeUploader
	samples  *fakeSamples
	notes    *notifications
}

func setupRouter(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		flow:     &fakeFlow{},
		syncer:   &fakeSyncer{},
		creds:    &evictRecorder{},
		uploader: &fakeUploader{},
		samples:  &fakeSamples{},
		notes:    &notifications{},
	}
	h.router = NewRouter(Deps{
		APIKey:      testAPIKey,
		OAuth:       h.flow,
		Syncer:      h.syncer,
		Snapshots:   fakeSnapshots{"user-1/2026-03-14": {UserID: "user-1", Date: "2026-03-14", Steps: 4200}},
		Credentials: h.creds,
		Uploads:     h.uploader,
		Samples:     h.samples,
		Revalidator: revalidatorFunc(func(_ string, e oauth.Event) { h.notes.lifecycle = append(h.notes.lifecycle, e) }),
		Scheduler:   schedulerFunc(func(u string) { h.notes.syncs = append(h.notes.syncs, u) }),
		Upstream:    upstreamFunc(func(u string) { h.notes.upstream = append(h.notes.upstream, u) }),
	})
	return h
}

func (h *harness) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAuthStart_Success(t *testing.T) {
	h := setupRouter(t)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth-start?user_id=user-1", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "https://accounts.example.com/auth")
}

func TestHandleAuthStart_MissingUser(t *testing.T) {
	h := setupRouter(t)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth-start", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing parameters", "", http.StatusBadRequest},
		{"error parameter", "?error=access_denied", http.StatusBadRequest},
		{"invalid state", "?code=c&state=bad", http.StatusBadRequest},
		{"success", "?code=c&state=good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupRouter(t)
			rec := httptest.NewRecorder()
			h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth-callback"+tt.query, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleCallback_QueuesFirstSync(t *testing.T) {
	h := setupRouter(t)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth-callback?code=c&state=good", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Google Fit")
	assert.Equal(t, []string{"user-1"}, h.notes.syncs)
}

func TestUserRoutesRequireAPIKey(t *testing.T) {
	h := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/users/user-1/sync", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/notifications/upstream-change", strings.NewReader(`{"user_id":"u"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSync(t *testing.T) {
	h := setupRouter(t)
	h.syncer.snap = &model.DailySnapshot{UserID: "user-1", Date: "2026-03-14", Steps: 8000, SyncSource: model.SourcePrimary}

	rec := h.do(http.MethodPost, "/users/user-1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp syncResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, int64(8000), resp.Snapshot.Steps)
	assert.Equal(t, syncer.StatusSuccess, resp.State.Status)
}

func TestHandleSync_Errors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      int
		reconnect bool
	}{
		{"permanent auth", fmt.Errorf("primary: %w", provider.ErrPermanentAuth), http.StatusConflict, true},
		{"transient", fmt.Errorf("%w: 503", provider.ErrTransient), http.StatusServiceUnavailable, false},
		{"other", errors.New("boom"), http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupRouter(t)
			h.syncer.err = tt.err

			rec := h.do(http.MethodPost, "/users/user-1/sync", nil)
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.reconnect, resp.ReconnectRequired)
		})
	}
}

func TestHandleSyncState(t *testing.T) {
	h := setupRouter(t)

	rec := h.do(http.MethodGet, "/users/user-1/sync-state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)
}

func TestHandleSnapshot(t *testing.T) {
	h := setupRouter(t)

	rec := h.do(http.MethodGet, "/users/user-1/snapshots/2026-03-14", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap model.DailySnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, int64(4200), snap.Steps)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/users/user-1/snapshots/2026-03-13", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/users/user-1/snapshots/yesterday", nil).Code)
}

func TestHandleLifecycleEvent(t *testing.T) {
	h := setupRouter(t)

	rec := h.do(http.MethodPost, "/users/user-1/events/foreground", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []oauth.Event{oauth.EventForeground}, h.notes.lifecycle)
	assert.Equal(t, []string{"user-1"}, h.notes.syncs)

	rec = h.do(http.MethodPost, "/users/user-1/events/reboot", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, h.notes.lifecycle, 1)
}

func TestHandleDisconnect(t *testing.T) {
	h := setupRouter(t)

	rec := h.do(http.MethodDelete, "/users/user-1/connections/"+provider.GoogleFit, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"user-1"}, h.flow.disconnected)
	assert.Equal(t, []string{"user-1"}, h.creds.users)
	assert.Equal(t, []string{"user-1"}, h.syncer.evicted)

	rec = h.do(http.MethodDelete, "/users/user-1/connections/strava", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDisconnect_Failure(t *testing.T) {
	h := setupRouter(t)
	h.flow.disconnectErr = errors.New("db down")

	rec := h.do(http.MethodDelete, "/users/user-1/connections/"+provider.GoogleFit, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, h.syncer.evicted)
}

func TestHandleUpload(t *testing.T) {
	h := setupRouter(t)

	rec := h.do(http.MethodPost, "/users/user-1/uploads?file_name=run.fit", []byte("fit-bytes"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "run.fit", h.uploader.gotName)
	assert.Equal(t, len("fit-bytes"), h.uploader.gotSize)

	var resp uploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Snapshots, 1)
	assert.Equal(t, model.SourceUploadedFile, resp.Snapshots[0].SyncSource)
}

func TestHandleUpload_Errors(t *testing.T) {
	h := setupRouter(t)

	h.uploader.err = fmt.Errorf("%w: no sessions", upload.ErrInvalidFile)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/users/user-1/uploads", []byte("x")).Code)
	assert.Equal(t, "upload.fit", h.uploader.gotName)

	h.uploader.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodPost, "/users/user-1/uploads", []byte("x")).Code)
}

func TestHandleDeviceSample(t *testing.T) {
	h := setupRouter(t)

	body := []byte(`{"date":"2026-03-14","steps":5400,"calories_burned":210.5,"active_minutes":35,"sessions":[]}`)
	rec := h.do(http.MethodPost, "/users/user-1/device-samples", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.samples.recorded, 1)
	assert.Equal(t, int64(5400), h.samples.recorded[0].Steps)
	assert.Equal(t, []string{"user-1"}, h.notes.syncs)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/users/user-1/device-samples", []byte("{")).Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(http.MethodPost, "/users/user-1/device-samples", []byte(`{"date":"2026-03-14","steps":-1}`)).Code)
}

func TestHandleUpstreamChange(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
		user string
	}{
		{"record", `{"type":"INSERT","table":"workouts","record":{"user_id":"user-1"}}`, http.StatusAccepted, "user-1"},
		{"delete uses old record", `{"type":"DELETE","table":"workouts","old_record":{"user_id":"user-2"}}`, http.StatusAccepted, "user-2"},
		{"top level", `{"user_id":"user-3"}`, http.StatusAccepted, "user-3"},
		{"missing user", `{"table":"workouts"}`, http.StatusBadRequest, ""},
		{"invalid json", `not json`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupRouter(t)
			rec := h.do(http.MethodPost, "/notifications/upstream-change", []byte(tt.body))
			assert.Equal(t, tt.want, rec.Code)
			if tt.user != "" {
				assert.Equal(t, []string{tt.user}, h.notes.upstream)
			} else {
				assert.Empty(t, h.notes.upstream)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	h := setupRouter(t)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
