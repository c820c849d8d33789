package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Engine.AgentTimeout)
	assert.Equal(t, 90*time.Second, cfg.Engine.TurnLease)
	assert.Equal(t, 3, *cfg.Engine.ReviewFailThreshold)
	assert.Equal(t, 3, *cfg.Engine.ExtractionFailThreshold)
	assert.Equal(t, 3, *cfg.Engine.TimeoutThreshold)
	assert.Equal(t, 12, *cfg.Engine.SoftCap)
	assert.Equal(t, 20, *cfg.Engine.HardCap)
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, "token", cfg.Gateway.Auth.Mode)
	assert.Equal(t, 60, cfg.Session.IdleMinutes)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDefaultsAreIndependent(t *testing.T) {
	a := Defaults()
	*a.Engine.SoftCap = 99
	b := Defaults()
	assert.Equal(t, 12, *b.Engine.SoftCap)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	// Should return defaults
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
database:
  driver: postgres
  dsn: postgres://intake@localhost/intake
  maxConns: 4
engine:
  agentTimeout: 30s
  reviewFailThreshold: 0
  hardCap: 25
runtime:
  endpoint: https://agents.internal/run
gateway:
  port: 9999
  bind: lan
  auth:
    mode: password
    password: secret123
  allowedOrigins:
    - https://recruit.example.com
session:
  idleMinutes: 0
logging:
  level: debug
  consoleStyle: json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://intake@localhost/intake", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Database.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.Engine.AgentTimeout)
	assert.Equal(t, 90*time.Second, cfg.Engine.TurnLease)
	assert.Equal(t, 0, *cfg.Engine.ReviewFailThreshold)
	assert.Equal(t, 3, *cfg.Engine.TimeoutThreshold)
	assert.Equal(t, 25, *cfg.Engine.HardCap)
	assert.Equal(t, "https://agents.internal/run", cfg.Runtime.Endpoint)
	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "lan", cfg.Gateway.Bind)
	assert.Equal(t, "password", cfg.Gateway.Auth.Mode)
	assert.Equal(t, "secret123", cfg.Gateway.Auth.Password)
	assert.Equal(t, []string{"https://recruit.example.com"}, cfg.Gateway.AllowedOrigins)
	assert.Equal(t, 0, cfg.Session.IdleMinutes)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.ConsoleStyle)
	assert.Empty(t, Validate(&cfg))
}

func TestLoadTurnLeaseFollowsAgentTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  agentTimeout: 2m\n  turnLease: 0s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute+30*time.Second, cfg.Engine.TurnLease)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INTAKE_GATEWAY_PORT", "12345")
	t.Setenv("INTAKE_LOG_LEVEL", "TRACE")
	t.Setenv("INTAKE_AGENT_TIMEOUT", "45s")
	t.Setenv("INTAKE_RUNTIME_ENDPOINT", "http://127.0.0.1:9000/run")
	t.Setenv("INTAKE_DB_PATH", "/var/lib/intake/intake.db")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 12345, cfg.Gateway.Port)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.Engine.AgentTimeout)
	assert.Equal(t, "http://127.0.0.1:9000/run", cfg.Runtime.Endpoint)
	assert.Equal(t, "/var/lib/intake/intake.db", cfg.Database.Path)
}

func TestLoadExpandsSecrets(t *testing.T) {
	t.Setenv("INTAKE_TEST_RUNTIME_KEY", "rk-123")
	t.Setenv("INTAKE_TEST_GATEWAY_TOKEN", "gw-456")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
runtime:
  apiKey: ${INTAKE_TEST_RUNTIME_KEY}
gateway:
  auth:
    token: ${INTAKE_TEST_GATEWAY_TOKEN}
database:
  dsn: ${INTAKE_TEST_UNSET_DSN}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rk-123", cfg.Runtime.APIKey)
	assert.Equal(t, "gw-456", cfg.Gateway.Auth.Token)
	assert.Equal(t, "${INTAKE_TEST_UNSET_DSN}", cfg.Database.DSN)
}

func TestLoadDotEnvBesideConfig(t *testing.T) {
	const key = "INTAKE_TEST_DOTENV_DSN"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=postgres://from-dotenv/intake\n"), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: postgres\n  dsn: ${"+key+"}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-dotenv/intake", cfg.Database.DSN)
}

func TestLoadDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	t.Setenv("INTAKE_GATEWAY_PORT", "4000")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INTAKE_GATEWAY_PORT=5000\n"), 0o600))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Gateway.Port)
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	raw := map[string]any{
		"engine": map[string]any{
			"agentTimeout": "45s",
		},
	}

	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)

	val, ok := GetValueAtPath(loaded, []string{"engine", "agentTimeout"})
	assert.True(t, ok)
	assert.Equal(t, "45s", val)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Engine.AgentTimeout)
}

func TestLoadRawEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	raw, err := LoadRaw(path)
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("INTAKE_HOME", t.TempDir())
	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.NotEmpty(t, paths.Base)
	assert.Contains(t, paths.Config, "config.yaml")
	assert.Equal(t, filepath.Join(paths.Data, "intake.db"), paths.Database())
}

func TestEnsureDirs(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("INTAKE_HOME", tmp)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{paths.Base, paths.Data, paths.Logs} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
