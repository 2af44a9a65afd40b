package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wearable-sync/internal/credentials"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
)

// GetCredential returns the stored credential, or nil if there is none
func (db *DB) GetCredential(ctx context.Context, userID, provider string) (*credentials.Credential, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCredential))
	defer timer.ObserveDuration()

	c := credentials.Credential{UserID: userID, Provider: provider}
	var updatedAt int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCredential).Inc()
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

// SaveCredential inserts or replaces a credential
func (db *DB) SaveCredential(ctx context.Context, c *credentials.Credential) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveCredential))
	defer timer.ObserveDuration()

	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO credentials (user_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.ExpiresAt, updatedAt.UnixMilli())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveCredential).Inc()
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DeleteCredential removes a credential. Deleting a missing row is not an error.
func (db *DB) DeleteCredential(ctx context.Context, userID, provider string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteCredential))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteCredential).Inc()
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// SetConnected records whether the provider should be treated as connected
func (db *DB) SetConnected(ctx context.Context, userID, provider string, connected bool) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSetConnected))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO provider_connections (user_id, provider, connected, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			connected = excluded.connected,
			updated_at = excluded.updated_at
	`, userID, provider, connected, time.Now().UnixMilli())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSetConnected).Inc()
		return fmt.Errorf("failed to set connection state: %w", err)
	}
	return nil
}

// IsConnected reports the connected flag; unknown pairs are not connected
func (db *DB) IsConnected(ctx context.Context, userID, provider string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpIsConnected))
	defer timer.ObserveDuration()

	var connected bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT connected FROM provider_connections WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&connected)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpIsConnected).Inc()
		return false, fmt.Errorf("failed to get connection state: %w", err)
	}
	return connected, nil
}

// ListConnections returns every provider row for a user
func (db *DB) ListConnections(ctx context.Context, userID string) ([]model.Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListConnections))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT provider, connected, updated_at FROM provider_connections
		WHERE user_id = ? ORDER BY provider
	`, userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListConnections).Inc()
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []model.Connection
	for rows.Next() {
		c := model.Connection{UserID: userID}
		var updatedAt int64
		if err := rows.Scan(&c.Provider, &c.Connected, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		c.UpdatedAt = time.UnixMilli(updatedAt)
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// ListConnectedUsers returns the users that currently have provider connected
func (db *DB) ListConnectedUsers(ctx context.Context, provider string) ([]string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListConnections))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id FROM provider_connections
		WHERE provider = ? AND connected = 1 ORDER BY user_id
	`, provider)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListConnections).Inc()
		return nil, fmt.Errorf("failed to list connected users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountConnected returns the number of connected users per provider
func (db *DB) CountConnected(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT provider, COUNT(*) FROM provider_connections
		WHERE connected = 1 GROUP BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count connections: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, fmt.Errorf("failed to scan connection count: %w", err)
		}
		counts[provider] = n
	}
	return counts, rows.Err()
}
