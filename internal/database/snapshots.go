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
	"wearable-sync/internal/provider"
)

// GetSnapshot returns the stored snapshot for a day, or nil if there is none
func (db *DB) GetSnapshot(ctx context.Context, userID, date string) (*model.DailySnapshot, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetSnapshot))
	defer timer.ObserveDuration()

	s := model.DailySnapshot{UserID: userID, Date: date}
	var hr sql.NullFloat64
	var sessionsJSON, source string
	var lastSynced int64

	err := db.conn.QueryRowContext(ctx, `
		SELECT steps, calories_burned, active_minutes, distance_meters, heart_rate_avg,
		       sessions_json, last_synced_at, sync_source
		FROM daily_snapshots WHERE user_id = ? AND date = ?
	`, userID, date).Scan(
		&s.Steps, &s.CaloriesBurned, &s.ActiveMinutes, &s.DistanceMeters, &hr,
		&sessionsJSON, &lastSynced, &source,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetSnapshot).Inc()
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if hr.Valid {
		s.HeartRateAvg = &hr.Float64
	}
	if err := json.Unmarshal([]byte(sessionsJSON), &s.Sessions); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot sessions: %w", err)
	}
	s.LastSyncedAt = time.UnixMilli(lastSynced)
	s.SyncSource = model.Source(source)
	return &s, nil
}

// UpsertSnapshot writes the snapshot for (user, date), overwriting every field
func (db *DB) UpsertSnapshot(ctx context.Context, s *model.DailySnapshot) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertSnapshot))
	defer timer.ObserveDuration()

	sessions := s.Sessions
	if sessions == nil {
		sessions = []model.SessionRef{}
	}
	sessionsJSON, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot sessions: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO daily_snapshots (
			user_id, date, steps, calories_burned, active_minutes, distance_meters,
			heart_rate_avg, sessions_json, last_synced_at, sync_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, date) DO UPDATE SET
			steps = excluded.steps,
			calories_burned = excluded.calories_burned,
			active_minutes = excluded.active_minutes,
			distance_meters = excluded.distance_meters,
			heart_rate_avg = excluded.heart_rate_avg,
			sessions_json = excluded.sessions_json,
			last_synced_at = excluded.last_synced_at,
			sync_source = excluded.sync_source
	`, s.UserID, s.Date, s.Steps, s.CaloriesBurned, s.ActiveMinutes, s.DistanceMeters,
		s.HeartRateAvg, string(sessionsJSON), s.LastSyncedAt.UnixMilli(), string(s.SyncSource))

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSnapshot).Inc()
		return fmt.Errorf("%w: failed to upsert snapshot: %w", provider.ErrPersistenceConflict, err)
	}
	return nil
}

// UpsertSessions writes sessions in batches of SessionBatchSize, each batch
// in its own transaction. A failed batch is logged and skipped; the returned
// error joins every batch failure.
func (db *DB) UpsertSessions(ctx context.Context, userID string, sessions []model.Session) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertSessions))
	defer timer.ObserveDuration()

	var errs []error
	for i, batch := range model.Chunk(sessions, SessionBatchSize) {
		if err := db.upsertSessionBatch(ctx, userID, batch); err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSessions).Inc()
			metrics.SessionBatchFailuresTotal.Inc()
			db.logger.Error("Failed to upsert session batch",
				"user_id", userID, "batch", i, "size", len(batch), "error", err)
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d session batches failed: %w",
			provider.ErrPersistenceConflict, len(errs), (len(sessions)+SessionBatchSize-1)/SessionBatchSize, errors.Join(errs...))
	}
	return nil
}

func (db *DB) upsertSessionBatch(ctx context.Context, userID string, batch []model.Session) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activity_sessions (
			user_id, session_id, start_time, end_time, activity_type,
			name, description, source, raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			activity_type = excluded.activity_type,
			name = excluded.name,
			description = excluded.description,
			source = excluded.source,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, s := range batch {
		if s.UserID != "" && s.UserID != userID {
			return fmt.Errorf("session %s belongs to another user", s.SessionID)
		}
		var raw *string
		if len(s.Raw) > 0 {
			r := string(s.Raw)
			raw = &r
		}
		if _, err := stmt.ExecContext(ctx,
			userID, s.SessionID, s.StartTime.UnixMilli(), s.EndTime.UnixMilli(), s.ActivityType,
			s.Name, s.Description, string(s.Source), raw, now,
		); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", s.SessionID, err)
		}
	}

	return tx.Commit()
}

// ListSessions returns a user's sessions starting in [from, to), oldest first
func (db *DB) ListSessions(ctx context.Context, userID string, from, to time.Time) ([]model.Session, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListSessions))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT session_id, start_time, end_time, activity_type, name, description, source, raw_json
		FROM activity_sessions
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time
	`, userID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListSessions).Inc()
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s := model.Session{UserID: userID}
		var start, end int64
		var name, description, raw sql.NullString
		var source string
		if err := rows.Scan(&s.SessionID, &start, &end, &s.ActivityType, &name, &description, &source, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartTime = time.UnixMilli(start)
		s.EndTime = time.UnixMilli(end)
		s.Name = name.String
		s.Description = description.String
		s.Source = model.Source(source)
		if raw.Valid {
			s.Raw = json.RawMessage(raw.String)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
