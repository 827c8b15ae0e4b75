package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

const sample = `
project: acme-web
repository: acme/website
provider:
  url: https://token.actions.githubusercontent.com
  audiences: [sts.amazonaws.com]
  thumbprints: [6938fd4d98bab03faadb97b34396831e3780aea1]
external_token: ${TEST_BOOTSTRAP_TOKEN}
environments:
  dev:
    account_id: "111111111111"
    region: us-east-1
    nickname: development
  prod-eu:
    account_id: "222222222222"
    region: eu-west-1
roles:
  deployment:
    managed_policies: [arn:aws:iam::aws:policy/PowerUserAccess]
    max_session_seconds: 7200
lock:
  backend: redis
  redis_addr: localhost:6379
  ttl: 10m
retry:
  max_delay: 2s
`

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("TEST_BOOTSTRAP_TOKEN", "token-from-env-0001")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "token-from-env-0001", cfg.ExternalToken)
	assert.Equal(t, "aws", cfg.Partition)
	assert.Equal(t, bootstrap.TrustTiered, cfg.TrustModel)
	assert.Equal(t, "manifests", cfg.ManifestDir)
	assert.Equal(t, 10*time.Minute, cfg.Lock.TTL)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 3, policy.DependencyAttempts)
	assert.Equal(t, 2*time.Second, policy.MaxDelay)

	settings := cfg.Settings()
	assert.Equal(t, int32(7200), settings.Tiers[bootstrap.TierDeployment].MaxSessionSeconds)
	assert.Equal(t, []string{"arn:aws:iam::aws:policy/PowerUserAccess"}, settings.Tiers[bootstrap.TierDeployment].ManagedPolicies)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "prod-eu"}, reg.Names())
	dev, err := reg.Lookup("dev")
	require.NoError(t, err)
	assert.Equal(t, "111111111111", dev.AccountID)
	assert.Equal(t, "development", dev.Nickname)
	assert.Equal(t, bootstrap.StatusUnbootstrapped, dev.Status)
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sample), lookupFrom(map[string]string{
		"TEST_BOOTSTRAP_TOKEN":         "token-from-file-01",
		"BOOTSTRAP_EXTERNAL_TOKEN":     "token-override-0002",
		"BOOTSTRAP_PROD_EU_ACCOUNT_ID": "333333333333",
		"BOOTSTRAP_DEV_REGION":         "us-west-2",
	}))
	require.NoError(t, err)

	assert.Equal(t, "token-override-0002", cfg.ExternalToken)
	assert.Equal(t, "333333333333", cfg.Environments["prod-eu"].AccountID)
	assert.Equal(t, "us-west-2", cfg.Environments["dev"].Region)
}

func TestMalformedOverrideFailsFast(t *testing.T) {
	_, err := Parse([]byte(sample), lookupFrom(map[string]string{
		"TEST_BOOTSTRAP_TOKEN":     "token-from-file-01",
		"BOOTSTRAP_DEV_ACCOUNT_ID": "12345",
	}))
	require.Error(t, err)
	assert.True(t, bootstrap.IsKind(err, bootstrap.KindValidation))
	assert.Contains(t, err.Error(), "BOOTSTRAP_DEV_ACCOUNT_ID")
}

func TestMissingTokenFails(t *testing.T) {
	_, err := Parse([]byte(sample), lookupFrom(nil))
	require.Error(t, err)
	assert.True(t, bootstrap.IsKind(err, bootstrap.KindValidation))
	assert.Contains(t, err.Error(), "external token")
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte(sample+"\nunexpected: true\n"), lookupFrom(map[string]string{"TEST_BOOTSTRAP_TOKEN": "token-from-file-01"}))
	require.Error(t, err)
	assert.True(t, bootstrap.IsKind(err, bootstrap.KindValidation))
}

func TestValidateMissingFields(t *testing.T) {
	assert.Error(t, Config{}.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse([]byte(sample), lookupFrom(map[string]string{"TEST_BOOTSTRAP_TOKEN": "token-from-file-01"}))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown tier", func(c *Config) { c.Roles["admin"] = bootstrap.TierSettings{} }, "unknown tier"},
		{"session too long", func(c *Config) {
			c.Roles[bootstrap.TierDeployment] = bootstrap.TierSettings{MaxSessionSeconds: 43200}
		}, "max session"},
		{"bad account", func(c *Config) {
			c.Environments["dev"] = EnvironmentConfig{AccountID: "abc", Region: "us-east-1"}
		}, "12 digits"},
		{"foreign subject", func(c *Config) {
			c.Environments["dev"] = EnvironmentConfig{AccountID: "111111111111", Region: "us-east-1", Subject: "repo:other/repo:ref:refs/heads/main"}
		}, "not scoped"},
		{"s3 lock without bucket", func(c *Config) { c.Lock = LockConfig{Backend: LockS3} }, "requires bucket"},
		{"redis lock without addr", func(c *Config) { c.Lock = LockConfig{Backend: LockRedis} }, "requires redis_addr"},
		{"unknown lock", func(c *Config) { c.Lock = LockConfig{Backend: "consul"} }, "unknown backend"},
		{"deletion window", func(c *Config) { c.KeyDeletionWindowDays = 3 }, "deletion window"},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = -1 }, "retry attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, bootstrap.IsKind(err, bootstrap.KindValidation))
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvVar, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(EnvVar, "/etc/bootstrap.yaml")
	assert.Equal(t, "/etc/bootstrap.yaml", ResolvePath(""))
	assert.Equal(t, "cli.yaml", ResolvePath("cli.yaml"))
}

func TestExternalTokenLength(t *testing.T) {
	_, err := Parse([]byte(sample), lookupFrom(map[string]string{"TEST_BOOTSTRAP_TOKEN": strings.Repeat("t", 1224)}))
	require.NoError(t, err)

	_, err = Parse([]byte(sample), lookupFrom(map[string]string{"TEST_BOOTSTRAP_TOKEN": strings.Repeat("t", 1225)}))
	require.Error(t, err)
	assert.True(t, bootstrap.IsKind(err, bootstrap.KindValidation))
	assert.Contains(t, err.Error(), "external token")
}
