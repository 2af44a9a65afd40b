// Package upload ingests activity files exported from a wearable device and
// serves them as the highest-priority sync source.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

// MaxFileSize bounds an uploaded device file
const MaxFileSize = 25 << 20

// ErrInvalidFile marks uploads rejected before anything was stored
var ErrInvalidFile = errors.New("invalid device file")

// Store persists parsed uploads
type Store interface {
	SaveUpload(ctx context.Context, u *model.DeviceUpload) error
	LatestUpload(ctx context.Context, userID, date string) (*model.DeviceUpload, error)
}

// Importer turns a stored upload into the day's snapshot
type Importer interface {
	ImportUpload(ctx context.Context, u *model.DeviceUpload) (*model.DailySnapshot, error)
}

// Service parses, stores and imports device files
type Service struct {
	store    Store
	importer Importer
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates an upload service. Days are computed in loc.
func NewService(store Store, importer Importer, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:    store,
		importer: importer,
		loc:      loc,
		now:      time.Now,
		logger:   slog.Default().With("component", "upload"),
	}
}

// Ingest parses a FIT file and imports one snapshot per day it covers.
// Uploads are stored before import, so a failed import is picked up again
// by the next sync.
func (s *Service) Ingest(ctx context.Context, userID, fileName string, data []byte) ([]*model.DailySnapshot, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if len(data) > MaxFileSize {
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidFile, MaxFileSize)
	}

	days, err := Parse(data, s.loc)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFile, fileName, err)
	}

	var snapshots []*model.DailySnapshot
	var errs []error
	for _, day := range days {
		u := &model.DeviceUpload{
			ID:        uuid.NewString(),
			UserID:    userID,
			Date:      day.Date,
			FileName:  fileName,
			Activity:  day,
			CreatedAt: s.now(),
		}
		if err := s.store.SaveUpload(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", day.Date, err))
			continue
		}

		snap, err := s.importer.ImportUpload(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", day.Date, err))
			continue
		}
		snapshots = append(snapshots, snap)

		s.logger.Info("Device file imported", "user_id", userID, "date", day.Date,
			"file", fileName, "upload_id", u.ID, "sessions", len(day.Sessions))
	}

	if err := errors.Join(errs...); err != nil {
		metrics.UploadsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return snapshots, fmt.Errorf("failed to import %s: %w", fileName, err)
	}
	metrics.UploadsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	return snapshots, nil
}

// Fetcher reads back the latest stored upload for a day
type Fetcher struct {
	store Store
}

var _ provider.Fetcher = (*Fetcher)(nil)

func NewFetcher(store Store) *Fetcher {
	return &Fetcher{store: store}
}

func (f *Fetcher) FetchDay(ctx context.Context, req provider.Request) (*model.DailyActivity, error) {
	u, err := f.store.LatestUpload(ctx, req.UserID, req.Day.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if u == nil {
		return nil, nil
	}
	activity := u.Activity
	return &activity, nil
}

// SessionDistance returns the total distance recorded in the file
func (f *Fetcher) SessionDistance(_ context.Context, _ provider.Request, session model.RawSession) (float64, error) {
	if session.DistanceMeters == nil {
		return 0, nil
	}
	return *session.DistanceMeters, nil
}
