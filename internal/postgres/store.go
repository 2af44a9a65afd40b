// Package postgres is the managed-database implementation of the sync
// engine's persistence layer, built on a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/credentials"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

// SessionBatchSize is the number of sessions written per transaction
const SessionBatchSize = 50

// Store provides Postgres-backed persistence
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewStore(pool), nil
}

// NewStore wraps an existing pool
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default().With("component", "postgres"),
	}
}

// Init creates all tables and indexes
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Health pings the database
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observe(op string) func() {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

func failed(op string, err error, msg string) error {
	metrics.DBOperationErrorsTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w", msg, err)
}

// GetCredential returns the stored credential, or nil if there is none
func (s *Store) GetCredential(ctx context.Context, userID, prov string) (*credentials.Credential, error) {
	defer observe(metrics.DBOpGetCredential)()

	c := credentials.Credential{UserID: userID, Provider: prov}
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE user_id = $1 AND provider = $2`,
		userID, prov,
	).Scan(&c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failed(metrics.DBOpGetCredential, err, "failed to get credential")
	}
	return &c, nil
}

// SaveCredential inserts or replaces a credential
func (s *Store) SaveCredential(ctx context.Context, c *credentials.Credential) error {
	defer observe(metrics.DBOpSaveCredential)()

	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.ExpiresAt, updatedAt,
	)
	if err != nil {
		return failed(metrics.DBOpSaveCredential, err, "failed to save credential")
	}
	return nil
}

// DeleteCredential removes a credential
func (s *Store) DeleteCredential(ctx context.Context, userID, prov string) error {
	defer observe(metrics.DBOpDeleteCredential)()

	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id = $1 AND provider = $2`, userID, prov); err != nil {
		return failed(metrics.DBOpDeleteCredential, err, "failed to delete credential")
	}
	return nil
}

// SetConnected records whether the provider should be treated as connected
func (s *Store) SetConnected(ctx context.Context, userID, prov string, connected bool) error {
	defer observe(metrics.DBOpSetConnected)()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_connections (user_id, provider, connected, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			connected = EXCLUDED.connected,
			updated_at = EXCLUDED.updated_at`,
		userID, prov, connected,
	)
	if err != nil {
		return failed(metrics.DBOpSetConnected, err, "failed to set connection state")
	}
	return nil
}

// IsConnected reports the connected flag; unknown pairs are not connected
func (s *Store) IsConnected(ctx context.Context, userID, prov string) (bool, error) {
	defer observe(metrics.DBOpIsConnected)()

	var connected bool
	err := s.pool.QueryRow(ctx,
		`SELECT connected FROM provider_connections WHERE user_id = $1 AND provider = $2`,
		userID, prov,
	).Scan(&connected)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, failed(metrics.DBOpIsConnected, err, "failed to get connection state")
	}
	return connected, nil
}

// ListConnections returns every provider row for a user
func (s *Store) ListConnections(ctx context.Context, userID string) ([]model.Connection, error) {
	defer observe(metrics.DBOpListConnections)()

	rows, err := s.pool.Query(ctx, `
		SELECT provider, connected, updated_at FROM provider_connections
		WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, failed(metrics.DBOpListConnections, err, "failed to list connections")
	}

	conns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Connection, error) {
		c := model.Connection{UserID: userID}
		err := row.Scan(&c.Provider, &c.Connected, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan connections: %w", err)
	}
	return conns, nil
}

// ListConnectedUsers returns the users that currently have prov connected
func (s *Store) ListConnectedUsers(ctx context.Context, prov string) ([]string, error) {
	defer observe(metrics.DBOpListConnections)()

	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM provider_connections
		WHERE provider = $1 AND connected ORDER BY user_id`, prov)
	if err != nil {
		return nil, failed(metrics.DBOpListConnections, err, "failed to list connected users")
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return users, nil
}

// CountConnected returns the number of connected users per provider
func (s *Store) CountConnected(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, COUNT(*) FROM provider_connections
		WHERE connected GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to count connections: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var prov string
		var n int
		if err := rows.Scan(&prov, &n); err != nil {
			return nil, fmt.Errorf("failed to scan connection count: %w", err)
		}
		counts[prov] = n
	}
	return counts, rows.Err()
}

// GetSnapshot returns the stored snapshot for a day, or nil if there is none
func (s *Store) GetSnapshot(ctx context.Context, userID, date string) (*model.DailySnapshot, error) {
	defer observe(metrics.DBOpGetSnapshot)()

	snap := model.DailySnapshot{UserID: userID, Date: date}
	var sessions []byte
	var source string
	err := s.pool.QueryRow(ctx, `
		SELECT steps, calories_burned, active_minutes, distance_meters, heart_rate_avg,
		       sessions, last_synced_at, sync_source
		FROM daily_snapshots WHERE user_id = $1 AND date = $2::date`,
		userID, date,
	).Scan(&snap.Steps, &snap.CaloriesBurned, &snap.ActiveMinutes, &snap.DistanceMeters,
		&snap.HeartRateAvg, &sessions, &snap.LastSyncedAt, &source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failed(metrics.DBOpGetSnapshot, err, "failed to get snapshot")
	}
	if err := json.Unmarshal(sessions, &snap.Sessions); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot sessions: %w", err)
	}
	snap.SyncSource = model.Source(source)
	return &snap, nil
}

// UpsertSnapshot writes the snapshot for (user, date), overwriting every field
func (s *Store) UpsertSnapshot(ctx context.Context, snap *model.DailySnapshot) error {
	defer observe(metrics.DBOpUpsertSnapshot)()

	refs := snap.Sessions
	if refs == nil {
		refs = []model.SessionRef{}
	}
	sessions, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot sessions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO daily_snapshots (
			user_id, date, steps, calories_burned, active_minutes, distance_meters,
			heart_rate_avg, sessions, last_synced_at, sync_source
		) VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, date) DO UPDATE SET
			steps = EXCLUDED.steps,
			calories_burned = EXCLUDED.calories_burned,
			active_minutes = EXCLUDED.active_minutes,
			distance_meters = EXCLUDED.distance_meters,
			heart_rate_avg = EXCLUDED.heart_rate_avg,
			sessions = EXCLUDED.sessions,
			last_synced_at = EXCLUDED.last_synced_at,
			sync_source = EXCLUDED.sync_source`,
		snap.UserID, snap.Date, snap.Steps, snap.CaloriesBurned, snap.ActiveMinutes, snap.DistanceMeters,
		snap.HeartRateAvg, sessions, snap.LastSyncedAt, string(snap.SyncSource),
	)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSnapshot).Inc()
		return fmt.Errorf("%w: failed to upsert snapshot: %w", provider.ErrPersistenceConflict, err)
	}
	return nil
}

const upsertSession = `
	INSERT INTO activity_sessions (
		user_id, session_id, start_time, end_time, activity_type,
		name, description, source, raw, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	ON CONFLICT (user_id, session_id) DO UPDATE SET
		start_time = EXCLUDED.start_time,
		end_time = EXCLUDED.end_time,
		activity_type = EXCLUDED.activity_type,
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		source = EXCLUDED.source,
		raw = EXCLUDED.raw,
		updated_at = EXCLUDED.updated_at`

// UpsertSessions writes sessions in batches of SessionBatchSize, one
// transaction and pipelined batch per chunk. Failed chunks are logged and
// skipped.
func (s *Store) UpsertSessions(ctx context.Context, userID string, sessions []model.Session) error {
	defer observe(metrics.DBOpUpsertSessions)()

	chunks := model.Chunk(sessions, SessionBatchSize)
	var errs []error
	for i, chunk := range chunks {
		if err := s.upsertSessionChunk(ctx, userID, chunk); err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSessions).Inc()
			metrics.SessionBatchFailuresTotal.Inc()
			s.logger.Error("Failed to upsert session batch",
				"user_id", userID, "batch", i, "size", len(chunk), "error", err)
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d session batches failed: %w",
			provider.ErrPersistenceConflict, len(errs), len(chunks), errors.Join(errs...))
	}
	return nil
}

func (s *Store) upsertSessionChunk(ctx context.Context, userID string, chunk []model.Session) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, sess := range chunk {
		if sess.UserID != "" && sess.UserID != userID {
			return fmt.Errorf("session %s belongs to another user", sess.SessionID)
		}
		var raw []byte
		if len(sess.Raw) > 0 {
			raw = sess.Raw
		}
		batch.Queue(upsertSession,
			userID, sess.SessionID, sess.StartTime, sess.EndTime, sess.ActivityType,
			nullIfEmpty(sess.Name), nullIfEmpty(sess.Description), string(sess.Source), raw,
		)
	}

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return tx.Commit(ctx)
}

// ListSessions returns a user's sessions starting in [from, to), oldest first
func (s *Store) ListSessions(ctx context.Context, userID string, from, to time.Time) ([]model.Session, error) {
	defer observe(metrics.DBOpListSessions)()

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, start_time, end_time, activity_type,
		       COALESCE(name, ''), COALESCE(description, ''), source, raw
		FROM activity_sessions
		WHERE user_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time`, userID, from, to)
	if err != nil {
		return nil, failed(metrics.DBOpListSessions, err, "failed to list sessions")
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Session, error) {
		sess := model.Session{UserID: userID}
		var source string
		var raw []byte
		err := row.Scan(&sess.SessionID, &sess.StartTime, &sess.EndTime, &sess.ActivityType,
			&sess.Name, &sess.Description, &source, &raw)
		sess.Source = model.Source(source)
		if len(raw) > 0 {
			sess.Raw = json.RawMessage(raw)
		}
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// SaveUpload records a parsed device file
func (s *Store) SaveUpload(ctx context.Context, u *model.DeviceUpload) error {
	defer observe(metrics.DBOpSaveUpload)()

	activity, err := json.Marshal(u.Activity)
	if err != nil {
		return fmt.Errorf("failed to encode upload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO device_uploads (id, user_id, date, file_name, activity, created_at)
		VALUES ($1, $2, $3::date, $4, $5, $6)`,
		u.ID, u.UserID, u.Date, u.FileName, activity, u.CreatedAt,
	)
	if err != nil {
		return failed(metrics.DBOpSaveUpload, err, "failed to save upload")
	}
	return nil
}

// LatestUpload returns the most recent upload for a day, or nil
func (s *Store) LatestUpload(ctx context.Context, userID, date string) (*model.DeviceUpload, error) {
	defer observe(metrics.DBOpLatestUpload)()

	u := model.DeviceUpload{UserID: userID, Date: date}
	var activity []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, file_name, activity, created_at FROM device_uploads
		WHERE user_id = $1 AND date = $2::date
		ORDER BY created_at DESC LIMIT 1`,
		userID, date,
	).Scan(&u.ID, &u.FileName, &activity, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failed(metrics.DBOpLatestUpload, err, "failed to get latest upload")
	}
	if err := json.Unmarshal(activity, &u.Activity); err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	return &u, nil
}

// SaveDeviceSample replaces the on-device summary for a day
func (s *Store) SaveDeviceSample(ctx context.Context, sample *model.DeviceSample) error {
	defer observe(metrics.DBOpSaveDeviceSample)()

	activity, err := json.Marshal(sample.Activity)
	if err != nil {
		return fmt.Errorf("failed to encode device sample: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO device_samples (user_id, date, activity, received_at)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (user_id, date) DO UPDATE SET
			activity = EXCLUDED.activity,
			received_at = EXCLUDED.received_at`,
		sample.UserID, sample.Date, activity, sample.ReceivedAt,
	)
	if err != nil {
		return failed(metrics.DBOpSaveDeviceSample, err, "failed to save device sample")
	}
	return nil
}

// GetDeviceSample returns the on-device summary for a day, or nil
func (s *Store) GetDeviceSample(ctx context.Context, userID, date string) (*model.DeviceSample, error) {
	defer observe(metrics.DBOpGetDeviceSample)()

	sample := model.DeviceSample{UserID: userID, Date: date}
	var activity []byte
	err := s.pool.QueryRow(ctx, `
		SELECT activity, received_at FROM device_samples
		WHERE user_id = $1 AND date = $2::date`,
		userID, date,
	).Scan(&activity, &sample.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failed(metrics.DBOpGetDeviceSample, err, "failed to get device sample")
	}
	if err := json.Unmarshal(activity, &sample.Activity); err != nil {
		return nil, fmt.Errorf("failed to decode device sample: %w", err)
	}
	return &sample, nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
