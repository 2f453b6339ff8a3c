package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c3ds.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envMap(kv map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := kv[key]
		return v, ok
	}
}

func TestAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent("", nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ReconnectBase)
	assert.Equal(t, 2*time.Second, cfg.ReconnectJitter)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30, cfg.MaxUnansweredPings)
	assert.Equal(t, 20*time.Second, cfg.ReloadSpread)
	assert.Equal(t, 10*time.Second, cfg.ClockSyncInterval)
	assert.False(t, cfg.RemoteShell)
	assert.True(t, cfg.Diagnostics)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url is required")
	assert.Contains(t, err.Error(), "display_slug is required")
}

func TestAgentFileThenEnv(t *testing.T) {
	path := writeFile(t, `
base_url = "https://c3ds.example.org/"
display_slug = "  saal-1 "
heartbeat_interval = "2s"
max_unanswered_pings = 10
remote_shell = true
remote_shell_allow_roots = ["/srv/signage", " "]
log_format = "json"
`)
	cfg, err := LoadAgent(path, envMap(map[string]string{
		"C3DS_DISPLAY_SLUG":   "saal-2",
		"C3DS_RELOAD_SPREAD":  "1m",
		"C3DS_DIAGNOSTICS":    "off",
		"C3DS_LOG_LEVEL":      "  ",
		"C3DS_RECONNECT_BASE": "",
		"UNRELATED_BASE_URL":  "http://ignored",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://c3ds.example.org/", cfg.BaseURL)
	assert.Equal(t, "saal-2", cfg.DisplaySlug)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10, cfg.MaxUnansweredPings)
	assert.Equal(t, time.Minute, cfg.ReloadSpread)
	assert.Equal(t, 5*time.Second, cfg.ReconnectBase, "blank env keeps the previous value")
	assert.Equal(t, []string{"/srv/signage"}, cfg.RemoteShellAllowRoots)
	assert.True(t, cfg.RemoteShell)
	assert.False(t, cfg.Diagnostics)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	require.NoError(t, cfg.Validate())
}

func TestAgentFileErrors(t *testing.T) {
	_, err := LoadAgent(writeFile(t, `heartbeat_interval = "soon"`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")

	_, err = LoadAgent(writeFile(t, `display_slugg = "typo"`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "display_slugg")

	_, err = LoadAgent(filepath.Join(t.TempDir(), "missing.toml"), nil)
	require.Error(t, err)
}

func TestAgentEnvErrors(t *testing.T) {
	_, err := LoadAgent("", envMap(map[string]string{"C3DS_REMOTE_SHELL": "maybe"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C3DS_REMOTE_SHELL")

	_, err = LoadAgent("", envMap(map[string]string{"C3DS_MAX_UNANSWERED_PINGS": "many"}))
	require.Error(t, err)
}

func TestAgentValidate(t *testing.T) {
	cfg := DefaultAgent()
	cfg.BaseURL = "http://localhost:8000"
	cfg.DisplaySlug = "lobby"
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.RemoteShell = true
	assert.ErrorContains(t, bad.Validate(), "remote_shell_allow_roots")

	bad = cfg
	bad.LogFormat = "xml"
	assert.ErrorContains(t, bad.Validate(), "log_format")

	bad = cfg
	bad.HeartbeatInterval = 0
	assert.ErrorContains(t, bad.Validate(), "heartbeat_interval")
}

func TestControlFileThenEnv(t *testing.T) {
	path := writeFile(t, `
addr = "127.0.0.1:9000"
offline_after = "90s"
check_origin = true
`)
	cfg, err := LoadControl(path, envMap(map[string]string{
		"C3DS_API_TOKEN":    "s3cret",
		"C3DS_EXEC_TIMEOUT": "5s",
	}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, 90*time.Second, cfg.OfflineAfter)
	assert.Equal(t, 5*time.Second, cfg.ExecTimeout)
	assert.Equal(t, "s3cret", cfg.APIToken)
	assert.True(t, cfg.CheckOrigin)
	assert.Equal(t, "./c3ds.db", cfg.DBPath)
	require.NoError(t, cfg.Validate())

	cfg.ExecTimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "exec_timeout")
}
