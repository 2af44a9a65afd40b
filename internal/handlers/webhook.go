package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// UpstreamNotifier schedules a debounced recompute for a user
type UpstreamNotifier interface {
	OnUpstreamChange(userID string)
}

// changeNotification is a database webhook payload. The user is read from
// the new record, falling back to the old record for deletes.
type changeNotification struct {
	Type      string       `json:"type"`
	Table     string       `json:"table"`
	UserID    string       `json:"user_id"`
	Record    *changedUser `json:"record"`
	OldRecord *changedUser `json:"old_record"`
}

type changedUser struct {
	UserID string `json:"user_id"`
}

func (n changeNotification) user() string {
	if n.Record != nil && n.Record.UserID != "" {
		return n.Record.UserID
	}
	if n.OldRecord != nil && n.OldRecord.UserID != "" {
		return n.OldRecord.UserID
	}
	return n.UserID
}

// WebhookHandler handles change notifications from tables the downstream
// aggregates depend on
type WebhookHandler struct {
	upstream UpstreamNotifier
	logger   *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(upstream UpstreamNotifier) *WebhookHandler {
	return &WebhookHandler{
		upstream: upstream,
		logger:   slog.Default().With("component", "webhook_handler"),
	}
}

// HandleUpstreamChange accepts a change notification and requests a
// recompute. Bursts for the same user are coalesced downstream.
func (h *WebhookHandler) HandleUpstreamChange(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSampleSize))
	if err != nil {
		h.logger.Error("Failed to read notification body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var n changeNotification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.Warn("Invalid notification JSON", "error", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	userID := n.user()
	if userID == "" {
		http.Error(w, "Missing user_id", http.StatusBadRequest)
		return
	}

	h.upstream.OnUpstreamChange(userID)
	h.logger.Debug("Upstream change received", "user_id", userID, "table", n.Table, "type", n.Type)
	w.WriteHeader(http.StatusAccepted)
}
