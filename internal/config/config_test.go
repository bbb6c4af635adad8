package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir runs the test from an empty directory so no stray .env is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:8787", cfg.ServerAddr)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 15*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.UseMemoryRemote())
}

func TestLoad_yamlThenEnv(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "todosync.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/todosync
database_url: postgres://localhost/todos
user_id: from-file
sync_interval: 1m
remote_timeout: 3s
log_level: debug
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todosync.local.yml"), []byte("user_id: from-local\n"), 0o600))

	t.Setenv("TODOSYNC_REMOTE_TIMEOUT", "7s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/todosync", cfg.DataDir)
	assert.Equal(t, "postgres://localhost/todos", cfg.DatabaseURL)
	assert.Equal(t, "from-local", cfg.UserID)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, 7*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.UseMemoryRemote())
}

func TestLoad_dotenv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TODOSYNC_USER_ID=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TODOSYNC_USER_ID") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.UserID)
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TODOSYNC_SYNC_INTERVAL", "often"},
		{"TODOSYNC_PROBE_INTERVAL", "0s"},
		{"TODOSYNC_REMOTE_TIMEOUT", "-1s"},
		{"TODOSYNC_LOG_LEVEL", "verbose"},
		{"TODOSYNC_DATA_DIR", " "},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			chdir(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestValidate_zeroSyncIntervalDisablesPeriodicPasses(t *testing.T) {
	cfg := &Config{DataDir: "x", ProbeInterval: time.Second, RemoteTimeout: time.Second, LogLevel: "warn"}
	assert.NoError(t, cfg.Validate())
}
