package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"echocog/infrastructure/config"
)

var envKeys = []string{
	config.ConfigFileEnv, "SERVER_ADDRESS", "ENVIRONMENT", "LOG_LEVEL",
	"STORAGE_BACKEND", "SQLITE_PATH", "TABLE_NAME", "AWS_REGION", "DYNAMODB_ENDPOINT",
	"SYNC_RETRY_ATTEMPTS", "SYNC_RETRY_DELAY", "SYNC_BATCH_SIZE", "SYNC_EVENT_DEBOUNCE",
	"SYNC_INSTANCE_TIMEOUT", "SYNC_HEARTBEAT_INTERVAL", "SYNC_MAX_QUEUE_SIZE",
	"EVENT_BUS_NAME", "ENABLE_METRICS", "ENABLE_TRACING", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"ENABLE_CORS", "ALLOWED_ORIGINS", "METRICS_SCHEDULE",
}

// clearEnv blanks every variable the loader reads; blank counts as unset
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "echocog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddress)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Empty(t, cfg.File)

	d := cfg.Domain()
	assert.Equal(t, 3, d.Sync.RetryAttempts)
	assert.Equal(t, 50, d.Sync.BatchSize)
	assert.Equal(t, 1000, d.Sync.MaxQueueSize)
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), `
environment: production
logLevel: warn
storage:
  backend: memory
sync:
  retryDelay: 250ms
  batchSize: 20
eventBusName: echocog-sync
`)
	t.Setenv(config.ConfigFileEnv, path)
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("ENABLE_CORS", "false")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "echocog-sync", cfg.EventBusName)
	assert.False(t, cfg.EnableCORS)

	d := cfg.Domain()
	assert.Equal(t, 250*time.Millisecond, d.Sync.RetryDelay)
	assert.Equal(t, 10, d.Sync.BatchSize, "environment wins over the file")
	assert.Equal(t, 32, d.MaxTagsPerMemory, "production preset")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "postgres"}},
		{"unknown environment", map[string]string{"ENVIRONMENT": "moon"}},
		{"unknown log level", map[string]string{"LOG_LEVEL": "chatty"}},
		{"heartbeat slower than timeout", map[string]string{
			"SYNC_HEARTBEAT_INTERVAL": "1m",
			"SYNC_INSTANCE_TIMEOUT":   "30s",
		}},
		{"missing file", map[string]string{config.ConfigFileEnv: "/nonexistent/echocog.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	logger, level, err := config.NewLogger(cfg)
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	assert.Equal(t, zapcore.DebugLevel, level.Level())
	level.SetLevel(zapcore.ErrorLevel)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestLevelWatcher_AppliesLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "logLevel: info\n")

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	w, err := config.NewLevelWatcher(path, level, zap.NewNop())
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o644))
	assert.Eventually(t, func() bool {
		return level.Level() == zapcore.DebugLevel
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("logLevel: [broken\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, zapcore.DebugLevel, level.Level(), "a broken file keeps the current level")

	w.Stop()
}
