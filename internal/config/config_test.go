package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func withSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("ATP_JWT_SECRET", testSecret)
	t.Setenv("PROVENANCE_SECRET", testSecret)
}

func TestLoadDefaults(t *testing.T) {
	withSecrets(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Providers.Cache)
	assert.Equal(t, "proxy", cfg.Execution.ProvenanceMode)
	assert.Equal(t, 30_000, cfg.Execution.TimeoutMs)
	assert.Equal(t, 30_000, cfg.Session.RotationGraceMs)
	assert.Equal(t, testSecret, cfg.Session.JWTSecret)
	assert.Equal(t, "0.0.0.0:8420", cfg.Addr())
}

func TestProvenanceSecretAcceptsPrefixedAlias(t *testing.T) {
	t.Setenv("ATP_JWT_SECRET", testSecret)
	t.Setenv("PROVENANCE_SECRET", "")
	t.Setenv("ATP_PROVENANCE_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Provenance.Secret)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	withSecrets(t)
	t.Setenv("ATP_SERVER_PORT", "9001")

	path := filepath.Join(t.TempDir(), "atp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8000
execution:
  llmCalls: 5
providers:
  cache: redis
  redis:
    addr: redis.internal:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	// Env beats file.
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Execution.LLMCalls)
	assert.Equal(t, "redis", cfg.Providers.Cache)
	assert.Equal(t, "redis.internal:6379", cfg.Providers.Redis.Addr)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	withSecrets(t)

	t.Run("short jwt secret", func(t *testing.T) {
		t.Setenv("ATP_JWT_SECRET", "short")
		_, err := Load("")
		require.ErrorContains(t, err, "ATP_JWT_SECRET")
	})

	t.Run("missing provenance secret", func(t *testing.T) {
		t.Setenv("PROVENANCE_SECRET", "")
		_, err := Load("")
		require.ErrorContains(t, err, "PROVENANCE_SECRET")
	})

	t.Run("provenance secret optional when disabled", func(t *testing.T) {
		t.Setenv("PROVENANCE_SECRET", "")
		t.Setenv("ATP_EXECUTION_PROVENANCEMODE", "none")
		_, err := Load("")
		require.NoError(t, err)
	})

	t.Run("bad cache backend", func(t *testing.T) {
		t.Setenv("ATP_PROVIDERS_CACHE", "etcd")
		_, err := Load("")
		require.ErrorContains(t, err, "providers.cache")
	})
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - type: exfiltration_prevention
    sendTools: [email/send]
  - type: user_origin
    criticalTools: [crm/users/delete]
  - type: llm_recipient
`), 0o600))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 3)
	assert.Equal(t, "exfiltration-prevention", policies[0].ID())
	assert.Equal(t, "user-origin-requirement", policies[1].ID())
	assert.Equal(t, "llm-recipient-block", policies[2].ID())

	defaults, err := LoadPolicies("")
	require.NoError(t, err)
	assert.NotEmpty(t, defaults)

	_, err = BuildPolicies([]PolicySpec{{Type: "unknown"}})
	require.Error(t, err)
}
