package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
tracker:
  base_url: https://tracker.example.com/api
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Env)
	assert.Equal(t, 2, cfg.Queues.ExecutionConcurrency)
	assert.Equal(t, 2, cfg.Queues.ExecutionMaxRetries)
	assert.Equal(t, 60*time.Minute, cfg.Queues.ExecutionStuck())
	assert.Equal(t, 30*time.Minute, cfg.Queues.CoordinationStuck())
	assert.Equal(t, 3*time.Minute, cfg.Scheduler.PollInterval())
	assert.Equal(t, time.Second, cfg.Tracker.BackoffBase())
	assert.Equal(t, 15*time.Minute, cfg.Tracker.RateLimitFallback())
	assert.Equal(t, ProviderAnthropic, cfg.Stages.Provider)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 45*time.Minute, cfg.Agent.Timeout())
	assert.Equal(t, ":8344", cfg.Webhook.Addr)
	assert.False(t, cfg.Webhook.AllowUnsigned)
	assert.InEpsilon(t, 0.5, cfg.Stages.AnswerOverlapRatio, 0.001)
	assert.Equal(t, 80, cfg.Stages.ReadinessOverrideScore)
}

func TestLoad_MissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  poll_interval_minutes: 5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker.base_url")
}

func TestLoad_UnsignedWebhooksRequireDevelopment(t *testing.T) {
	path := writeConfig(t, `
tracker:
  base_url: https://tracker.example.com/api
webhook:
  allow_unsigned: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "development-only")

	path = writeConfig(t, `
env: development
tracker:
  base_url: https://tracker.example.com/api
webhook:
  allow_unsigned: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Webhook.AllowUnsigned)
}

func TestLoad_BadProvider(t *testing.T) {
	path := writeConfig(t, `
tracker:
  base_url: https://tracker.example.com/api
stages:
  provider: bedrock
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestLoad_ExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `
tracker:
  base_url: https://tracker.example.com/api
  max_attempts: 6
queues:
  execution_concurrency: 4
  execution_stuck_minutes: 90
agent:
  command: /usr/local/bin/claude
  timeout_minutes: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Tracker.MaxAttempts)
	assert.Equal(t, 4, cfg.Queues.ExecutionConcurrency)
	assert.Equal(t, 90*time.Minute, cfg.Queues.ExecutionStuck())
	assert.Equal(t, "/usr/local/bin/claude", cfg.Agent.Command)
	assert.Equal(t, 20*time.Minute, cfg.Agent.Timeout())
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	secrets := map[string]string{
		SecretTrackerToken:  "tok_abc123",
		SecretWebhookSecret: "whsec_xyz",
	}
	require.NoError(t, EncryptSecretsFile(dir, "passphrase", secrets))
	assert.True(t, SecretsFileExists(dir))

	info, err := os.Stat(filepath.Join(dir, ".foreman", "secrets.json.enc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := DecryptSecretsFile(dir, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, secrets, got)

	_, err = DecryptSecretsFile(dir, "wrong")
	require.Error(t, err)
}

func TestGetSecret_Precedence(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"PRECEDENCE_TEST": "from-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	t.Setenv("PRECEDENCE_TEST", "from-env")

	val, err := GetSecret("PRECEDENCE_TEST")
	require.NoError(t, err)
	assert.Equal(t, "from-file", val)

	SetDecryptedSecrets(nil)
	val, err = GetSecret("PRECEDENCE_TEST")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)

	_, err = GetSecret("PRECEDENCE_TEST_MISSING")
	require.Error(t, err)
}
