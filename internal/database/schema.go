package database

// Schema contains all SQL statements for creating tables and indexes.
// Timestamps are stored as unix milliseconds.
const Schema = `
-- OAuth credentials, one row per user and provider
CREATE TABLE IF NOT EXISTS credentials (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, provider)
);

-- Whether the UI should treat a provider as connected
CREATE TABLE IF NOT EXISTS provider_connections (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    connected BOOLEAN NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, provider)
);

-- One summary per user per local calendar day, last write wins
CREATE TABLE IF NOT EXISTS daily_snapshots (
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    steps INTEGER NOT NULL DEFAULT 0,
    calories_burned REAL NOT NULL DEFAULT 0,
    active_minutes INTEGER NOT NULL DEFAULT 0,
    distance_meters REAL NOT NULL DEFAULT 0,
    heart_rate_avg REAL,
    sessions_json TEXT NOT NULL DEFAULT '[]',
    last_synced_at INTEGER NOT NULL,
    sync_source TEXT NOT NULL,
    PRIMARY KEY (user_id, date)
);

-- Classified exercise sessions
CREATE TABLE IF NOT EXISTS activity_sessions (
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL,
    activity_type TEXT NOT NULL,
    name TEXT,
    description TEXT,
    source TEXT NOT NULL,
    raw_json TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, session_id)
);

-- Manually uploaded device files, parsed
CREATE TABLE IF NOT EXISTS device_uploads (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    file_name TEXT NOT NULL,
    activity_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

-- Day summaries pushed from the on-device health store
CREATE TABLE IF NOT EXISTS device_samples (
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    activity_json TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, date)
);

CREATE INDEX IF NOT EXISTS idx_provider_connections_connected ON provider_connections(provider, connected);
CREATE INDEX IF NOT EXISTS idx_activity_sessions_user_start ON activity_sessions(user_id, start_time);
CREATE INDEX IF NOT EXISTS idx_device_uploads_user_date ON device_uploads(user_id, date, created_at DESC);
`
