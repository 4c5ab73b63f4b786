package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
state:
  path: ./warden.db
governance:
  secret: 0123456789abcdef
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: minimalYAML,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "warden", cfg.Service.Name)
				assert.Equal(t, "info", cfg.Service.LogLevel)
				assert.NotEmpty(t, cfg.Service.Instance)
				assert.Equal(t, 24*time.Hour, cfg.Governance.RequestTTL)
				assert.Equal(t, 5*time.Minute, cfg.Governance.TokenTTL)
				assert.Equal(t, 5*time.Minute, cfg.Autonomy.LoopStaleAfter)
				assert.Equal(t, 1, cfg.Autonomy.MinRiskPasses)
				assert.Equal(t, "localhost:8080", cfg.API.Listen)
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${WARDEN_TEST_DB}
governance:
  secret: ${WARDEN_TEST_SECRET}
api:
  enabled: true
  tokens:
    - actor: alice
      token: ${WARDEN_TEST_TOKEN}
      scopes: ["*"]
`,
			env: map[string]string{
				"WARDEN_TEST_DB":     "/tmp/w.db",
				"WARDEN_TEST_SECRET": "a-very-long-secret-value",
				"WARDEN_TEST_TOKEN":  "tok-1",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/w.db", cfg.State.Path)
				assert.Equal(t, "a-very-long-secret-value", cfg.Governance.Secret)
				require.Len(t, cfg.API.Tokens, 1)
				assert.Equal(t, "tok-1", cfg.API.Tokens[0].Token)
				assert.Equal(t, "alice", cfg.API.Tokens[0].Actor)
			},
		},
		{
			name: "explicit durations override defaults",
			yaml: minimalYAML + `
jobs:
  timeout_threshold: 90s
supervisor:
  interval: 10s
  heartbeat_freshness: 45s
power:
  cache_ttl: 1s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Jobs.TimeoutThreshold)
				assert.Equal(t, 10*time.Second, cfg.Supervisor.Interval)
				assert.Equal(t, 45*time.Second, cfg.Supervisor.HeartbeatFreshness)
				assert.Equal(t, time.Second, cfg.Power.CacheTTL)
			},
		},
		{
			name: "unset secret env var",
			yaml: `
governance:
  secret: ${WARDEN_TEST_UNSET_SECRET}
`,
			wantErr: "${WARDEN_TEST_UNSET_SECRET} is not set",
		},
		{
			name: "short secret",
			yaml: `
governance:
  secret: short
`,
			wantErr: "governance.secret must be at least",
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name: "token without actor",
			yaml: minimalYAML + `
api:
  enabled: true
  tokens:
    - token: abc
      scopes: ["*"]
`,
			wantErr: "api.tokens[0].actor is required",
		},
		{
			name: "duplicate token",
			yaml: minimalYAML + `
api:
  enabled: true
  tokens:
    - actor: a
      token: same
      scopes: ["*"]
    - actor: b
      token: same
      scopes: ["*"]
`,
			wantErr: "api.tokens[1].token duplicates",
		},
		{
			name:    "webhook without secret",
			yaml:    minimalYAML + "notify:\n  webhook_url: http://hooks.local\n",
			wantErr: "notify.webhook_secret is required",
		},
		{
			name:    "negative duration",
			yaml:    minimalYAML + "gate:\n  timeout: -1s\n",
			wantErr: "gate.timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, t.TempDir(), "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", minimalYAML)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "./warden.db", cfg.State.Path)

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml not found")
}

func TestLoadIncludesMergeInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", minimalYAML+`
include:
  - tokens.yaml
  - overrides/local.yaml
integrations:
  broker: false
  market_data: true
`)
	writeFile(t, dir, "tokens.yaml", `
api:
  enabled: true
  tokens:
    - actor: ops
      token: tok-ops
      scopes: ["kill:rw"]
`)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "overrides"), 0o755))
	writeFile(t, dir, "overrides/local.yaml", `
integrations:
  broker: true
supervisor:
  interval: 15s
`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./warden.db", cfg.State.Path, "root keys survive includes")
	assert.True(t, cfg.API.Enabled)
	require.Len(t, cfg.API.Tokens, 1)
	assert.Equal(t, "ops", cfg.API.Tokens[0].Actor)
	assert.Equal(t, map[string]bool{"broker": true, "market_data": true}, cfg.Integrations)
	assert.Equal(t, 15*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, []string{"tokens.yaml", "overrides/local.yaml"}, cfg.Include)
}

func TestLoadIncludeErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "config.yaml", minimalYAML+"include: [nope.yaml]\n")
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "include[0]: file not found")
	})

	t.Run("cycle", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "config.yaml", minimalYAML+"include: [a.yaml]\n")
		writeFile(t, dir, "a.yaml", "include: [config.yaml]\n")
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circular dependency")
	})
}

func TestDiscoverPrefersEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "warden.yaml", minimalYAML)
	t.Setenv(EnvConfigPath, path)

	got, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestInterpolateEnvLeavesUnknown(t *testing.T) {
	t.Setenv("WARDEN_TEST_KNOWN", "x")
	assert.Equal(t, "x-${WARDEN_TEST_MISSING}", interpolateEnv("${WARDEN_TEST_KNOWN}-${WARDEN_TEST_MISSING}"))
}
