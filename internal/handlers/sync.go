package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wearable-sync/internal/model"
	"wearable-sync/internal/oauth"
	"wearable-sync/internal/provider"
	"wearable-sync/internal/syncer"
)

// Syncer is the part of the orchestrator the API drives
type Syncer interface {
	SyncNow(ctx context.Context, userID string) (*model.DailySnapshot, error)
	State(userID string) syncer.RunState
	Evict(userID string)
}

// SnapshotStore reads persisted day snapshots
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, userID, date string) (*model.DailySnapshot, error)
}

// CredentialCache forgets cached credentials on sign-out
type CredentialCache interface {
	Evict(userID string)
}

// LifecycleNotifier receives app lifecycle events for token revalidation
type LifecycleNotifier interface {
	Notify(userID string, event oauth.Event)
}

// SyncRequester queues a sync for one user without blocking
type SyncRequester interface {
	Notify(userID string)
}

// SyncHandler serves the per-user sync endpoints
type SyncHandler struct {
	syncer      Syncer
	snapshots   SnapshotStore
	flow        OAuthFlow
	creds       CredentialCache
	revalidator LifecycleNotifier
	scheduler   SyncRequester
	logger      *slog.Logger
}

// NewSyncHandler creates a sync handler
func NewSyncHandler(s Syncer, snapshots SnapshotStore, flow OAuthFlow, creds CredentialCache,
	revalidator LifecycleNotifier, scheduler SyncRequester) *SyncHandler {
	return &SyncHandler{
		syncer:      s,
		snapshots:   snapshots,
		flow:        flow,
		creds:       creds,
		revalidator: revalidator,
		scheduler:   scheduler,
		logger:      slog.Default().With("component", "sync_handler"),
	}
}

type syncResponse struct {
	Snapshot *model.DailySnapshot `json:"snapshot"`
	State    syncer.RunState      `json:"state"`
}

type errorResponse struct {
	Error             string `json:"error"`
	ReconnectRequired bool   `json:"reconnect_required,omitempty"`
}

// HandleSync runs a sync for today and returns the stored snapshot. A null
// snapshot means nothing was synced; the state says why.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	snap, err := h.syncer.SyncNow(r.Context(), userID)
	if err != nil {
		h.logger.Warn("Sync request failed", "user_id", userID, "error", err)
		status, body := syncErrorResponse(err)
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{Snapshot: snap, State: h.syncer.State(userID)})
}

func syncErrorResponse(err error) (int, errorResponse) {
	switch {
	case provider.IsPermanentAuth(err):
		return http.StatusConflict, errorResponse{Error: "provider authorization revoked", ReconnectRequired: true}
	case errors.Is(err, provider.ErrNotConnected):
		return http.StatusConflict, errorResponse{Error: "provider not connected", ReconnectRequired: true}
	case provider.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorResponse{Error: "provider temporarily unavailable"}
	}
	return http.StatusBadGateway, errorResponse{Error: "sync failed"}
}

// HandleSyncState returns the user's in-memory run state
func (h *SyncHandler) HandleSyncState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncer.State(chi.URLParam(r, "userID")))
}

// HandleSnapshot returns the stored snapshot for a YYYY-MM-DD date
func (h *SyncHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	snap, err := h.snapshots.GetSnapshot(r.Context(), userID, date)
	if err != nil {
		h.logger.Error("Failed to load snapshot", "user_id", userID, "date", date, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleLifecycleEvent records a foreground, focus or online event. Tokens
// are revalidated and a sync is queued.
func (h *SyncHandler) HandleLifecycleEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	event, err := oauth.ParseEvent(chi.URLParam(r, "event"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.revalidator.Notify(userID, event)
	h.scheduler.Notify(userID)

	h.logger.Debug("Lifecycle event received", "user_id", userID, "event", event)
	w.WriteHeader(http.StatusAccepted)
}

// HandleDisconnect signs a user out of a provider. The stored credential,
// the credential cache and the run state are all dropped.
func (h *SyncHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	prov := chi.URLParam(r, "provider")
	if prov != h.flow.Provider() {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	if err := h.flow.Disconnect(r.Context(), userID); err != nil {
		h.logger.Error("Failed to disconnect provider", "user_id", userID, "provider", prov, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.creds.Evict(userID)
	h.syncer.Evict(userID)

	h.logger.Info("User disconnected", "user_id", userID, "provider", prov)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
