package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoad_YAMLAndDefaults(t *testing.T) {
	path := writeConfig(t, `
repository:
  path: /srv/repo
generator:
  provider: ollama
  candidates: 5
validation:
  build_command: cargo build
  test_command: cargo test
  timeout: 90s
safety:
  require_review: true
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/repo", cfg.Repository.Path)
	assert.Equal(t, "ollama", cfg.Generator.Provider)
	assert.Equal(t, "codellama", cfg.Generator.Model)
	assert.Equal(t, 5, cfg.Generator.Candidates)
	assert.Equal(t, "cargo build", cfg.Validation.BuildCommand)
	assert.Equal(t, 90*time.Second, cfg.Validation.Timeout.Duration())
	assert.True(t, cfg.Safety.RequireReview)

	// defaults
	assert.Equal(t, 0.5, cfg.Safety.MinScore)
	assert.Equal(t, 10000, cfg.Safety.MaxPatchSize)
	assert.Equal(t, "self-heal", cfg.Git.BranchPrefix)
	assert.Equal(t, "Self-Healing Bot", cfg.Git.AuthorName)
	assert.True(t, cfg.Pipeline.RollbackOnFailure)
	assert.True(t, cfg.Validation.SecretScan)
}

func TestLoad_ExplicitFalseOverridesDefault(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  rollback_on_failure: false
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Pipeline.RollbackOnFailure)
	assert.True(t, cfg.Pipeline.VerifyAfterApply)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "validation:\n  build_command: make\n", 0600)

	t.Setenv("SELFHEAL_VALIDATION_BUILD_COMMAND", "make build")
	t.Setenv("SELFHEAL_GENERATOR_API_KEY", "sk-test-123")
	t.Setenv("SELFHEAL_SAFETY_MIN_SCORE", "0.7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "make build", cfg.Validation.BuildCommand)
	assert.Equal(t, "sk-test-123", cfg.Generator.APIKey.Reveal())
	assert.Equal(t, 0.7, cfg.Safety.MinScore)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Generator.Provider)
	assert.Equal(t, "gpt-4", cfg.Generator.Model)
}

func TestLoad_RejectsWorldWritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "repository:\n  path: .\n", 0600)
	require.NoError(t, os.Chmod(path, 0666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
generator:
  provider: bard
safety:
  min_score: 1.5
git:
  branch_prefix: "bad prefix"
`, 0600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator.provider")
	assert.Contains(t, err.Error(), "safety.min_score")
	assert.Contains(t, err.Error(), "git.branch_prefix")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "validation.build_command", envKey("SELFHEAL_VALIDATION_BUILD_COMMAND"))
	assert.Equal(t, "store.path", envKey("SELFHEAL_STORE_PATH"))
	assert.Equal(t, "debug", envKey("SELFHEAL_DEBUG"))
}

func TestSecretNeverRenders(t *testing.T) {
	s := Secret("sk-live-abc")

	for _, verb := range []string{"%v", "%s", "%q", "%#v", "%+v"} {
		assert.NotContains(t, fmt.Sprintf(verb, s), "sk-live", verb)
	}
	assert.Equal(t, "[REDACTED]", fmt.Sprint(s))
	assert.Equal(t, "sk-live-abc", s.Reveal())

	out, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(out))

	y, err := yaml.Marshal(map[string]Secret{"api_key": s})
	require.NoError(t, err)
	assert.Contains(t, string(y), "[REDACTED]")
	assert.NotContains(t, string(y), "sk-live")

	assert.Equal(t, "", fmt.Sprint(Secret("")))
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Equal(t, 90*time.Second, d.Or(time.Minute))
	assert.Equal(t, time.Minute, Duration(0).Or(time.Minute))

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestTelemetryConfig_Validate(t *testing.T) {
	base := Default().Telemetry
	assert.False(t, base.Enabled)
	assert.Equal(t, "localhost:4317", base.Endpoint)
	assert.Equal(t, 1.0, base.SampleRate)

	tests := []struct {
		name    string
		mutate  func(*TelemetryConfig)
		wantErr string
	}{
		{"disabled ignores fields", func(c *TelemetryConfig) { c.Protocol = "smoke" }, ""},
		{"local insecure", func(c *TelemetryConfig) { c.Enabled = true }, ""},
		{"bracketed ipv6", func(c *TelemetryConfig) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
		{"remote insecure", func(c *TelemetryConfig) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "only allowed for local"},
		{"remote tls", func(c *TelemetryConfig) {
			c.Enabled, c.Insecure, c.Endpoint = true, false, "https://otel.example.com"
			c.Protocol = "http/protobuf"
		}, ""},
		{"bad protocol", func(c *TelemetryConfig) { c.Enabled = true; c.Protocol = "udp" }, "telemetry.protocol"},
		{"bad rate", func(c *TelemetryConfig) { c.Enabled = true; c.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
