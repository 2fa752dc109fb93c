package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/artifacts"
	"github.com/Mindburn-Labs/dsconnector/pkg/config"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
)

var envKeys = []string{
	"CONNECTOR_CONFIG", "CONNECTOR_ID", "PORT", "LOG_LEVEL", "LOG_FORMAT", "POLICY_MODE",
	"ACCEPTANCE_BACKEND", "ACCEPTANCE_EXPR", "RESOLVER_MAX_DEPTH", "REQUIRE_TOKEN",
	"VERIFY_TIMEOUT", "DATABASE_URL", "REDIS_ADDR", "ARTIFACT_BACKEND", "SUPPORTED_VERSIONS",
	"RATE_LIMIT_RPS", "OTEL_ENABLED", "SECURITY_PROFILE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// The connector must boot with safe defaults in lite mode.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, policy.ModeStrict, cfg.PolicyMode())
	assert.Equal(t, config.AcceptanceNone, cfg.Policy.Acceptance)
	assert.Equal(t, -1, cfg.Resolver.MaxDepth)
	assert.Equal(t, 5*time.Second, cfg.Identity.VerifyTimeout)
	assert.False(t, cfg.Identity.RequireToken)
	assert.True(t, cfg.Lite())
	assert.Equal(t, artifacts.BackendFS, cfg.Artifacts.Backend)
	assert.NotEmpty(t, cfg.SupportedVersions)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("POLICY_MODE", "permissive")
	t.Setenv("RESOLVER_MAX_DEPTH", "2")
	t.Setenv("REQUIRE_TOKEN", "true")
	t.Setenv("VERIFY_TIMEOUT", "250ms")
	t.Setenv("DATABASE_URL", "postgres://connector@db:5432/connector")
	t.Setenv("SUPPORTED_VERSIONS", ">= 4.0.0, < 5.0.0; 3.1.0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTP.Port)
	assert.Equal(t, policy.ModePermissive, cfg.PolicyMode())
	assert.Equal(t, 2, cfg.Resolver.MaxDepth)
	assert.True(t, cfg.Identity.RequireToken)
	assert.Equal(t, 250*time.Millisecond, cfg.Identity.VerifyTimeout)
	assert.False(t, cfg.Lite())
	assert.Equal(t, []string{">= 4.0.0, < 5.0.0", "3.1.0"}, cfg.SupportedVersions)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connector_id: https://provider.example
policy:
  mode: permissive
  acceptance: cel
  acceptance_expr: 'input.issuer != ""'
identity:
  verify_timeout: 2s
  trusted_keys:
    k1: "00ff"
artifacts:
  backend: s3
  s3:
    bucket: connector-data
`), 0o600))
	t.Setenv("CONNECTOR_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://provider.example", cfg.ConnectorID)
	assert.Equal(t, "9090", cfg.HTTP.Port, "keys absent from the file keep their env value")
	assert.Equal(t, config.AcceptanceCEL, cfg.Policy.Acceptance)
	assert.Equal(t, 2*time.Second, cfg.Identity.VerifyTimeout)
	assert.Equal(t, "00ff", cfg.Identity.TrustedKeys["k1"])
	assert.Equal(t, artifacts.BackendS3, cfg.Artifacts.Backend)
	assert.Equal(t, "connector-data", cfg.Artifacts.S3.Bucket)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":          {"RESOLVER_MAX_DEPTH": "deep"},
		"bad bool":         {"REQUIRE_TOKEN": "sometimes"},
		"bad duration":     {"VERIFY_TIMEOUT": "5"},
		"bad mode":         {"POLICY_MODE": "lenient"},
		"unknown backend":  {"ACCEPTANCE_BACKEND": "lua"},
		"cel without expr": {"ACCEPTANCE_BACKEND": "cel"},
		"depth below -1":   {"RESOLVER_MAX_DEPTH": "-2"},
		"bad log level":    {"LOG_LEVEL": "LOUD"},
		"missing overlay":  {"CONNECTOR_CONFIG": "/nonexistent/connector.yaml"},
		"unknown profile":  {"SECURITY_PROFILE": "GOLD"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
