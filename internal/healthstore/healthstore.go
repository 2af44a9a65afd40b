// Package healthstore serves day summaries that the mobile app reads from
// the phone's on-device health store and pushes to the server.
package healthstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

// ErrInvalidSample marks pushed summaries rejected by validation
var ErrInvalidSample = errors.New("invalid device sample")

// SampleStore persists pushed day summaries
type SampleStore interface {
	SaveDeviceSample(ctx context.Context, s *model.DeviceSample) error
	GetDeviceSample(ctx context.Context, userID, date string) (*model.DeviceSample, error)
}

// Fetcher is the secondary provider. It never calls the network; the data
// was pushed ahead of time with Record.
type Fetcher struct {
	store  SampleStore
	now    func() time.Time
	logger *slog.Logger
}

var _ provider.Fetcher = (*Fetcher)(nil)

// NewFetcher creates a fetcher over store
func NewFetcher(store SampleStore) *Fetcher {
	return &Fetcher{
		store:  store,
		now:    time.Now,
		logger: slog.Default().With("component", "healthstore"),
	}
}

// Record validates and stores a day summary pushed by the device,
// replacing any earlier push for the same day.
func (f *Fetcher) Record(ctx context.Context, userID string, activity model.DailyActivity) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidSample)
	}
	if err := Validate(activity); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSample, err)
	}

	sample := &model.DeviceSample{
		UserID:     userID,
		Date:       activity.Date,
		Activity:   activity,
		ReceivedAt: f.now(),
	}
	if err := f.store.SaveDeviceSample(ctx, sample); err != nil {
		return fmt.Errorf("failed to save device sample: %w", err)
	}

	f.logger.Info("Device sample recorded", "user_id", userID, "date", activity.Date, "sessions", len(activity.Sessions))
	return nil
}

// Validate checks a pushed summary for values the device could not have
// produced.
func Validate(a model.DailyActivity) error {
	if _, err := time.Parse(model.DateLayout, a.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", a.Date, err)
	}
	if a.Steps < 0 || a.CaloriesBurned < 0 || a.ActiveMinutes < 0 || a.DistanceMeters < 0 {
		return errors.New("activity totals must not be negative")
	}
	if a.HeartRateAvg != nil && *a.HeartRateAvg <= 0 {
		return errors.New("heart rate must be positive")
	}
	for i, s := range a.Sessions {
		if s.ID == "" {
			return fmt.Errorf("session %d has no id", i)
		}
		if !s.EndTime.After(s.StartTime) {
			return fmt.Errorf("session %s ends before it starts", s.ID)
		}
	}
	return nil
}

// FetchDay returns the last summary pushed for the day, or nil
func (f *Fetcher) FetchDay(ctx context.Context, req provider.Request) (*model.DailyActivity, error) {
	sample, err := f.store.GetDeviceSample(ctx, req.UserID, req.Day.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to read device sample: %w", err)
	}
	if sample == nil {
		return nil, nil
	}

	activity := sample.Activity
	activity.Date = req.Day.Date
	return &activity, nil
}

// SessionDistance returns the distance the device recorded for the session.
// The on-device store reports distance per session, so there is nothing to
// query.
func (f *Fetcher) SessionDistance(_ context.Context, _ provider.Request, session model.RawSession) (float64, error) {
	if session.DistanceMeters == nil {
		return 0, nil
	}
	return *session.DistanceMeters, nil
}
