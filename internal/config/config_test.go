package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var required = map[string]string{
	"GOOGLE_FIT_CLIENT_ID":     "test_client_id",
	"GOOGLE_FIT_CLIENT_SECRET": "test_client_secret",
	"INTERNAL_API_KEY":         "test_api_key",
}

func TestLoadConfigWithDefaults(t *testing.T) {
	setTestEnv(t, required)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Host)
	}
	if config.Port != 4101 {
		t.Errorf("Expected default port 4101, got %d", config.Port)
	}
	if config.DatabaseDriver != DriverSQLite {
		t.Errorf("Expected default driver sqlite, got %s", config.DatabaseDriver)
	}
	if config.DatabasePath != "./data.db" {
		t.Errorf("Expected default database path './data.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", config.LogLevel)
	}
	if config.EarlyRefreshProbability != 0.30 {
		t.Errorf("Expected default early refresh probability 0.30, got %v", config.EarlyRefreshProbability)
	}
	if config.SyncInterval != 15*time.Minute {
		t.Errorf("Expected default sync interval 15m, got %v", config.SyncInterval)
	}
	if config.TriggerBackend != TriggerLog {
		t.Errorf("Expected default trigger backend 'log', got %s", config.TriggerBackend)
	}
	if config.Location() != time.UTC {
		t.Errorf("Expected UTC location, got %v", config.Location())
	}

	if config.GoogleFitClientID != "test_client_id" {
		t.Errorf("Expected GOOGLE_FIT_CLIENT_ID 'test_client_id', got %s", config.GoogleFitClientID)
	}
	if config.InternalAPIKey != "test_api_key" {
		t.Errorf("Expected INTERNAL_API_KEY 'test_api_key', got %s", config.InternalAPIKey)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	setTestEnv(t, with(required, map[string]string{
		"HOST":                      "0.0.0.0",
		"PORT":                      "8080",
		"DATABASE_PATH":             "/tmp/test.db",
		"LOG_LEVEL":                 "debug",
		"TOKEN_REFRESH_TIMEOUT":     "20s",
		"EARLY_REFRESH_PROBABILITY": "0.5",
		"USER_TIMEZONE":             "Europe/London",
		"TRIGGER_BACKEND":           "kafka",
		"KAFKA_BROKERS":             "kafka-1:9092, kafka-2:9092",
		"METRICS_ENABLED":           "false",
	}))

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %s", config.Host)
	}
	if config.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Port)
	}
	if config.DatabasePath != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db', got %s", config.DatabasePath)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %s", config.LogLevel)
	}
	if config.TokenRefreshTimeout != 20*time.Second {
		t.Errorf("Expected refresh timeout 20s, got %v", config.TokenRefreshTimeout)
	}
	if config.EarlyRefreshProbability != 0.5 {
		t.Errorf("Expected early refresh probability 0.5, got %v", config.EarlyRefreshProbability)
	}
	if config.Location().String() != "Europe/London" {
		t.Errorf("Expected Europe/London, got %v", config.Location())
	}
	if len(config.KafkaBrokers) != 2 || config.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("Unexpected kafka brokers %v", config.KafkaBrokers)
	}
	if config.MetricsEnabled {
		t.Error("Expected metrics disabled")
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envContent := `# Test .env file
HOST=192.168.1.1
PORT=9000
DATABASE_PATH=/custom/path/data.db
GOOGLE_FIT_CLIENT_ID=env_file_client_id
GOOGLE_FIT_CLIENT_SECRET=env_file_client_secret
INTERNAL_API_KEY=env_file_api_key
LOG_LEVEL=warn
SYNC_INTERVAL=5m
`
	writeFile(t, filepath.Join(tmpDir, ".env"), envContent)
	t.Chdir(tmpDir)
	clearTestEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "192.168.1.1" {
		t.Errorf("Expected host '192.168.1.1' from .env, got %s", config.Host)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from .env, got %d", config.Port)
	}
	if config.LogLevel != "warn" {
		t.Errorf("Expected log level 'warn' from .env, got %s", config.LogLevel)
	}
	if config.SyncInterval != 5*time.Minute {
		t.Errorf("Expected sync interval 5m from .env, got %v", config.SyncInterval)
	}
}

func TestEnvVarsPrecedenceOverEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envContent := `HOST=from_file
PORT=9000
GOOGLE_FIT_CLIENT_ID=file_client_id
GOOGLE_FIT_CLIENT_SECRET=file_client_secret
INTERNAL_API_KEY=file_api_key
`
	writeFile(t, filepath.Join(tmpDir, ".env"), envContent)
	t.Chdir(tmpDir)

	setTestEnv(t, map[string]string{
		"HOST":                 "from_env_var",
		"GOOGLE_FIT_CLIENT_ID": "env_client_id",
	})

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "from_env_var" {
		t.Errorf("Expected host 'from_env_var' from env var, got %s", config.Host)
	}
	if config.GoogleFitClientID != "env_client_id" {
		t.Errorf("Expected client ID 'env_client_id' from env var, got %s", config.GoogleFitClientID)
	}
	if config.Port != 9000 {
		t.Errorf("Expected port 9000 from .env file, got %d", config.Port)
	}
	if config.GoogleFitClientSecret != "file_client_secret" {
		t.Errorf("Expected client secret 'file_client_secret' from .env, got %s", config.GoogleFitClientSecret)
	}
}

func TestLoadConfigFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	writeFile(t, path, `HOST: 10.0.0.1
DATABASE_DRIVER: postgres
POSTGRES_URL: postgres://sync@db/sync
REVALIDATE_INTERVAL: 2m
`)
	setTestEnv(t, with(required, map[string]string{"CONFIG_FILE": path}))

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.Host != "10.0.0.1" {
		t.Errorf("Expected host from config file, got %s", config.Host)
	}
	if !config.UsePostgres() || config.PostgresURL != "postgres://sync@db/sync" {
		t.Errorf("Expected postgres config, got %s %s", config.DatabaseDriver, config.PostgresURL)
	}
	if config.RevalidateInterval != 2*time.Minute {
		t.Errorf("Expected revalidate interval 2m, got %v", config.RevalidateInterval)
	}
}

func TestValidationMissingRequired(t *testing.T) {
	setTestEnv(t, map[string]string{
		"GOOGLE_FIT_CLIENT_SECRET": "test_client_secret",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("Expected validation error for missing variables")
	}
	want := "missing required environment variables: INTERNAL_API_KEY, GOOGLE_FIT_CLIENT_ID"
	if err.Error() != want {
		t.Errorf("Expected %q, got: %v", want, err)
	}
}

func TestValidationConditionalRequired(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		missing string
	}{
		{"postgres", map[string]string{"DATABASE_DRIVER": "postgres"}, "POSTGRES_URL"},
		{"http trigger", map[string]string{"TRIGGER_BACKEND": "http"}, "TRIGGER_BASE_URL"},
		{"kafka trigger", map[string]string{"TRIGGER_BACKEND": "kafka"}, "KAFKA_BROKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTestEnv(t, with(required, tt.vars))

			_, err := Load()
			if err == nil {
				t.Fatalf("Expected error for missing %s", tt.missing)
			}
			if err.Error() != "missing required environment variables: "+tt.missing {
				t.Errorf("Unexpected error message: %v", err)
			}
		})
	}
}

func TestValidationInvalidPort(t *testing.T) {
	tests := []struct {
		port    string
		wantErr bool
	}{
		{"0", true},
		{"1", false},
		{"80", false},
		{"4101", false},
		{"65535", false},
		{"65536", true},
		{"99999", true},
	}

	for _, tt := range tests {
		t.Run("port_"+tt.port, func(t *testing.T) {
			setTestEnv(t, with(required, map[string]string{"PORT": tt.port}))

			_, err := Load()
			if tt.wantErr && err == nil {
				t.Errorf("Expected error for port %s, but got none", tt.port)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error for port %s, but got: %v", tt.port, err)
			}
		})
	}
}

func TestValidationInvalidLogLevel(t *testing.T) {
	setTestEnv(t, with(required, map[string]string{"LOG_LEVEL": "invalid"}))

	_, err := Load()
	if err == nil {
		t.Fatal("Expected validation error for invalid LOG_LEVEL")
	}
	if err.Error() != "LOG_LEVEL must be one of: debug, info, warn, error" {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestValidationInvalidValues(t *testing.T) {
	tests := map[string]string{
		"DATABASE_DRIVER":           "mysql",
		"TRIGGER_BACKEND":           "carrier-pigeon",
		"EARLY_REFRESH_PROBABILITY": "1.5",
		"USER_TIMEZONE":             "Mars/Olympus_Mons",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			setTestEnv(t, with(required, map[string]string{key: value}))

			if _, err := Load(); err == nil {
				t.Errorf("Expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestEnvFileWithQuotes(t *testing.T) {
	tmpDir := t.TempDir()
	envContent := `GOOGLE_FIT_CLIENT_ID="quoted_id"
GOOGLE_FIT_CLIENT_SECRET='single_quoted_secret'
INTERNAL_API_KEY=unquoted_key
HOST="localhost"
`
	writeFile(t, filepath.Join(tmpDir, ".env"), envContent)
	t.Chdir(tmpDir)
	clearTestEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config with quotes: %v", err)
	}

	if config.GoogleFitClientID != "quoted_id" {
		t.Errorf("Expected client ID 'quoted_id', got %s", config.GoogleFitClientID)
	}
	if config.GoogleFitClientSecret != "single_quoted_secret" {
		t.Errorf("Expected client secret 'single_quoted_secret', got %s", config.GoogleFitClientSecret)
	}
	if config.InternalAPIKey != "unquoted_key" {
		t.Errorf("Expected API key 'unquoted_key', got %s", config.InternalAPIKey)
	}
}

func with(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
}

// setTestEnv clears every config variable, then sets the given ones for the
// duration of the test
func setTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	clearTestEnv(t)
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	for _, key := range append([]string{"CONFIG_FILE"}, keys...) {
		t.Setenv(key, "")
	}
}
