package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wearable-sync/internal/healthstore"
	"wearable-sync/internal/model"
	"wearable-sync/internal/upload"
)

// Uploader imports device files
type Uploader interface {
	Ingest(ctx context.Context, userID, fileName string, data []byte) ([]*model.DailySnapshot, error)
}

// SampleRecorder stores day summaries pushed from the phone
type SampleRecorder interface {
	Record(ctx context.Context, userID string, activity model.DailyActivity) error
}

// maxSampleSize bounds device-sample request bodies
const maxSampleSize = 1 << 20

// IngestHandler accepts data pushed by the app: device files and on-device
// health store summaries
type IngestHandler struct {
	uploads   Uploader
	samples   SampleRecorder
	scheduler SyncRequester
	logger    *slog.Logger
}

// NewIngestHandler creates an ingest handler
func NewIngestHandler(uploads Uploader, samples SampleRecorder, scheduler SyncRequester) *IngestHandler {
	return &IngestHandler{
		uploads:   uploads,
		samples:   samples,
		scheduler: scheduler,
		logger:    slog.Default().With("component", "ingest_handler"),
	}
}

type uploadResponse struct {
	Snapshots []*model.DailySnapshot `json:"snapshots"`
	Error     string                 `json:"error,omitempty"`
}

// HandleUpload imports a FIT file sent as the raw request body. The
// file_name query parameter is recorded with the upload.
func (h *IngestHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	fileName := r.URL.Query().Get("file_name")
	if fileName == "" {
		fileName = "upload.fit"
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, upload.MaxFileSize+1))
	if err != nil {
		h.logger.Error("Failed to read upload body", "user_id", userID, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if len(data) > upload.MaxFileSize {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	snaps, err := h.uploads.Ingest(r.Context(), userID, fileName, data)
	if err != nil {
		if errors.Is(err, upload.ErrInvalidFile) {
			h.logger.Warn("Rejected device file", "user_id", userID, "file", fileName, "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to import device file", "user_id", userID, "file", fileName, "error", err)
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Snapshots: snaps, Error: "import failed"})
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{Snapshots: snaps})
}

// HandleDeviceSample stores a day summary read from the phone's health
// store and queues a sync so it can be picked up.
func (h *IngestHandler) HandleDeviceSample(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var activity model.DailyActivity
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSampleSize)).Decode(&activity); err != nil {
		h.logger.Warn("Invalid device sample JSON", "user_id", userID, "error", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.samples.Record(r.Context(), userID, activity); err != nil {
		if errors.Is(err, healthstore.ErrInvalidSample) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to record device sample", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.scheduler.Notify(userID)
	w.WriteHeader(http.StatusAccepted)
}
