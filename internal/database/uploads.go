package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
)

// SaveUpload records a parsed device file
func (db *DB) SaveUpload(ctx context.Context, u *model.DeviceUpload) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveUpload))
	defer timer.ObserveDuration()

	activity, err := json.Marshal(u.Activity)
	if err != nil {
		return fmt.Errorf("failed to encode upload: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO device_uploads (id, user_id, date, file_name, activity_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.UserID, u.Date, u.FileName, string(activity), u.CreatedAt.UnixMilli())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveUpload).Inc()
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return nil
}

// LatestUpload returns the most recent upload for a day, or nil
func (db *DB) LatestUpload(ctx context.Context, userID, date string) (*model.DeviceUpload, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpLatestUpload))
	defer timer.ObserveDuration()

	u := model.DeviceUpload{UserID: userID, Date: date}
	var activity string
	var createdAt int64

	err := db.conn.QueryRowContext(ctx, `
		SELECT id, file_name, activity_json, created_at FROM device_uploads
		WHERE user_id = ? AND date = ?
		ORDER BY created_at DESC LIMIT 1
	`, userID, date).Scan(&u.ID, &u.FileName, &activity, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpLatestUpload).Inc()
		return nil, fmt.Errorf("failed to get latest upload: %w", err)
	}

	if err := json.Unmarshal([]byte(activity), &u.Activity); err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, nil
}

// SaveDeviceSample replaces the on-device summary for a day
func (db *DB) SaveDeviceSample(ctx context.Context, s *model.DeviceSample) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveDeviceSample))
	defer timer.ObserveDuration()

	activity, err := json.Marshal(s.Activity)
	if err != nil {
		return fmt.Errorf("failed to encode device sample: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO device_samples (user_id, date, activity_json, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, date) DO UPDATE SET
			activity_json = excluded.activity_json,
			received_at = excluded.received_at
	`, s.UserID, s.Date, string(activity), s.ReceivedAt.UnixMilli())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveDeviceSample).Inc()
		return fmt.Errorf("failed to save device sample: %w", err)
	}
	return nil
}

// GetDeviceSample returns the on-device summary for a day, or nil
func (db *DB) GetDeviceSample(ctx context.Context, userID, date string) (*model.DeviceSample, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetDeviceSample))
	defer timer.ObserveDuration()

	s := model.DeviceSample{UserID: userID, Date: date}
	var activity string
	var receivedAt int64

	err := db.conn.QueryRowContext(ctx, `
		SELECT activity_json, received_at FROM device_samples WHERE user_id = ? AND date = ?
	`, userID, date).Scan(&activity, &receivedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetDeviceSample).Inc()
		return nil, fmt.Errorf("failed to get device sample: %w", err)
	}

	if err := json.Unmarshal([]byte(activity), &s.Activity); err != nil {
		return nil, fmt.Errorf("failed to decode device sample: %w", err)
	}
	s.ReceivedAt = time.UnixMilli(receivedAt)
	return &s, nil
}
