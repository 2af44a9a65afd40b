package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"wearable-sync/internal/credentials"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Init(context.Background()); err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	return db
}

func TestInitIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Init(context.Background()); err != nil {
		t.Fatalf("Second init failed: %v", err)
	}
	if err := db.Health(context.Background()); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got, err := db.GetCredential(ctx, "u1", "googlefit")
	if err != nil {
		t.Fatalf("Failed to get credential: %v", err)
	}
	if got != nil {
		t.Fatal("Expected no credential before save")
	}

	expires := time.Now().Add(time.Hour).UnixMilli()
	c := &credentials.Credential{
		UserID:       "u1",
		Provider:     "googlefit",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    expires,
	}
	if err := db.SaveCredential(ctx, c); err != nil {
		t.Fatalf("Failed to save credential: %v", err)
	}

	c.AccessToken = "rotated"
	if err := db.SaveCredential(ctx, c); err != nil {
		t.Fatalf("Failed to update credential: %v", err)
	}

	got, err = db.GetCredential(ctx, "u1", "googlefit")
	if err != nil {
		t.Fatalf("Failed to get credential: %v", err)
	}
	if got.AccessToken != "rotated" {
		t.Errorf("Expected access token 'rotated', got %s", got.AccessToken)
	}
	if got.ExpiresAt != expires {
		t.Errorf("Expected expires_at %d, got %d", expires, got.ExpiresAt)
	}

	if err := db.DeleteCredential(ctx, "u1", "googlefit"); err != nil {
		t.Fatalf("Failed to delete credential: %v", err)
	}
	got, _ = db.GetCredential(ctx, "u1", "googlefit")
	if got != nil {
		t.Error("Expected credential to be deleted")
	}
}

func TestConnections(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	connected, err := db.IsConnected(ctx, "u1", "googlefit")
	if err != nil {
		t.Fatalf("Failed to read connection: %v", err)
	}
	if connected {
		t.Error("Expected unknown user to be disconnected")
	}

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := db.SetConnected(ctx, u, "googlefit", true); err != nil {
			t.Fatalf("Failed to set connected: %v", err)
		}
	}
	if err := db.SetConnected(ctx, "u2", "googlefit", false); err != nil {
		t.Fatalf("Failed to clear connected: %v", err)
	}

	users, err := db.ListConnectedUsers(ctx, "googlefit")
	if err != nil {
		t.Fatalf("Failed to list users: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u3" {
		t.Errorf("Expected [u1 u3], got %v", users)
	}

	counts, err := db.CountConnected(ctx)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if counts["googlefit"] != 2 {
		t.Errorf("Expected 2 connected, got %d", counts["googlefit"])
	}

	conns, err := db.ListConnections(ctx, "u2")
	if err != nil {
		t.Fatalf("Failed to list connections: %v", err)
	}
	if len(conns) != 1 || conns[0].Connected {
		t.Errorf("Expected one disconnected row, got %+v", conns)
	}
}

func TestUpsertSnapshotIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	hr := 61.5
	synced := time.UnixMilli(time.Now().UnixMilli())
	snap := &model.DailySnapshot{
		UserID:         "u1",
		Date:           "2026-03-01",
		Steps:          8000,
		CaloriesBurned: 420,
		ActiveMinutes:  35,
		DistanceMeters: 5000,
		HeartRateAvg:   &hr,
		Sessions: []model.SessionRef{{
			SessionID:      "s1",
			ActivityType:   "running",
			StartTime:      synced.Add(-time.Hour).UTC(),
			EndTime:        synced.Add(-30 * time.Minute).UTC(),
			DistanceMeters: 5000,
		}},
		LastSyncedAt: synced,
		SyncSource:   model.SourcePrimary,
	}

	for i := 0; i < 2; i++ {
		if err := db.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("Upsert %d failed: %v", i, err)
		}
	}

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM daily_snapshots`).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 row, got %d", count)
	}

	got, err := db.GetSnapshot(ctx, "u1", "2026-03-01")
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if got.Steps != 8000 || got.CaloriesBurned != 420 || got.ActiveMinutes != 35 {
		t.Errorf("Unexpected snapshot values: %+v", got)
	}
	if got.HeartRateAvg == nil || *got.HeartRateAvg != hr {
		t.Errorf("Expected heart rate %v, got %v", hr, got.HeartRateAvg)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].SessionID != "s1" {
		t.Errorf("Unexpected sessions: %+v", got.Sessions)
	}
	if !got.LastSyncedAt.Equal(synced) {
		t.Errorf("Expected last synced %v, got %v", synced, got.LastSyncedAt)
	}
	if got.SyncSource != model.SourcePrimary {
		t.Errorf("Expected source primary, got %s", got.SyncSource)
	}

	// Overwrite drops heart rate and sessions entirely
	snap.HeartRateAvg = nil
	snap.Sessions = nil
	snap.Steps = 9000
	if err := db.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	got, _ = db.GetSnapshot(ctx, "u1", "2026-03-01")
	if got.Steps != 9000 || got.HeartRateAvg != nil || len(got.Sessions) != 0 {
		t.Errorf("Expected overwritten snapshot, got %+v", got)
	}

	missing, err := db.GetSnapshot(ctx, "u1", "2026-03-02")
	if err != nil || missing != nil {
		t.Errorf("Expected nil snapshot for missing day, got %+v, %v", missing, err)
	}
}

func makeSessions(userID string, n int, start time.Time) []model.Session {
	sessions := make([]model.Session, n)
	for i := range sessions {
		sessions[i] = model.Session{
			UserID:       userID,
			SessionID:    fmt.Sprintf("s%03d", i),
			StartTime:    start.Add(time.Duration(i) * time.Minute),
			EndTime:      start.Add(time.Duration(i)*time.Minute + 30*time.Second),
			ActivityType: "running",
			Source:       model.SourcePrimary,
		}
	}
	return sessions
}

func TestUpsertSessionsBatches(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	sessions := makeSessions("u1", 120, start)
	if err := db.UpsertSessions(ctx, "u1", sessions); err != nil {
		t.Fatalf("Failed to upsert sessions: %v", err)
	}
	// Re-sync overwrites rather than duplicating
	sessions[0].Name = "Renamed"
	if err := db.UpsertSessions(ctx, "u1", sessions); err != nil {
		t.Fatalf("Failed to re-upsert sessions: %v", err)
	}

	got, err := db.ListSessions(ctx, "u1", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(got) != 120 {
		t.Fatalf("Expected 120 sessions, got %d", len(got))
	}
	if got[0].Name != "Renamed" {
		t.Errorf("Expected overwritten name, got %q", got[0].Name)
	}
}

func TestUpsertSessionsPartialFailure(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	sessions := makeSessions("u1", 120, start)
	// Poison the second batch
	sessions[SessionBatchSize+3].UserID = "someone-else"

	err := db.UpsertSessions(ctx, "u1", sessions)
	if err == nil {
		t.Fatal("Expected an error for the failed batch")
	}
	if !errors.Is(err, provider.ErrPersistenceConflict) {
		t.Errorf("Expected persistence conflict, got %v", err)
	}

	got, err := db.ListSessions(ctx, "u1", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	// First and third batches are kept, the second is rolled back
	if len(got) != 70 {
		t.Errorf("Expected 70 sessions, got %d", len(got))
	}
}

func TestUploadsAndDeviceSamples(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	older := &model.DeviceUpload{
		ID: "a", UserID: "u1", Date: "2026-03-01", FileName: "old.fit",
		Activity:  model.DailyActivity{Date: "2026-03-01", Steps: 100},
		CreatedAt: time.Now().Add(-time.Hour),
	}
	newer := &model.DeviceUpload{
		ID: "b", UserID: "u1", Date: "2026-03-01", FileName: "new.fit",
		Activity:  model.DailyActivity{Date: "2026-03-01", Steps: 200},
		CreatedAt: time.Now(),
	}
	for _, u := range []*model.DeviceUpload{older, newer} {
		if err := db.SaveUpload(ctx, u); err != nil {
			t.Fatalf("Failed to save upload: %v", err)
		}
	}

	latest, err := db.LatestUpload(ctx, "u1", "2026-03-01")
	if err != nil {
		t.Fatalf("Failed to get latest upload: %v", err)
	}
	if latest.ID != "b" || latest.Activity.Steps != 200 {
		t.Errorf("Expected newest upload, got %+v", latest)
	}

	none, err := db.LatestUpload(ctx, "u1", "2026-03-02")
	if err != nil || none != nil {
		t.Errorf("Expected no upload, got %+v, %v", none, err)
	}

	sample := &model.DeviceSample{
		UserID: "u1", Date: "2026-03-01",
		Activity:   model.DailyActivity{Date: "2026-03-01", Steps: 4321},
		ReceivedAt: time.Now(),
	}
	if err := db.SaveDeviceSample(ctx, sample); err != nil {
		t.Fatalf("Failed to save sample: %v", err)
	}
	sample.Activity.Steps = 5000
	if err := db.SaveDeviceSample(ctx, sample); err != nil {
		t.Fatalf("Failed to replace sample: %v", err)
	}

	got, err := db.GetDeviceSample(ctx, "u1", "2026-03-01")
	if err != nil {
		t.Fatalf("Failed to get sample: %v", err)
	}
	if got.Activity.Steps != 5000 {
		t.Errorf("Expected 5000 steps, got %d", got.Activity.Steps)
	}
}
