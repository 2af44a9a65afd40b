package postgres

// Schema mirrors the SQLite layout using native Postgres types
const Schema = `
CREATE TABLE IF NOT EXISTS credentials (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS provider_connections (
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    connected BOOLEAN NOT NULL DEFAULT false,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    user_id TEXT NOT NULL,
    date DATE NOT NULL,
    steps BIGINT NOT NULL DEFAULT 0,
    calories_burned DOUBLE PRECISION NOT NULL DEFAULT 0,
    active_minutes BIGINT NOT NULL DEFAULT 0,
    distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
    heart_rate_avg DOUBLE PRECISION,
    sessions JSONB NOT NULL DEFAULT '[]',
    last_synced_at TIMESTAMPTZ NOT NULL,
    sync_source TEXT NOT NULL,
    PRIMARY KEY (user_id, date)
);

CREATE TABLE IF NOT EXISTS activity_sessions (
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ NOT NULL,
    activity_type TEXT NOT NULL,
    name TEXT,
    description TEXT,
    source TEXT NOT NULL,
    raw JSONB,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, session_id)
);

CREATE TABLE IF NOT EXISTS device_uploads (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    date DATE NOT NULL,
    file_name TEXT NOT NULL,
    activity JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS device_samples (
    user_id TEXT NOT NULL,
    date DATE NOT NULL,
    activity JSONB NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, date)
);

CREATE INDEX IF NOT EXISTS idx_provider_connections_connected ON provider_connections(provider) WHERE connected;
CREATE INDEX IF NOT EXISTS idx_activity_sessions_user_start ON activity_sessions(user_id, start_time);
CREATE INDEX IF NOT EXISTS idx_device_uploads_user_date ON device_uploads(user_id, date, created_at DESC);
`
