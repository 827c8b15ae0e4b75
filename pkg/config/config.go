package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// EnvVar names the variable holding the config path.
const EnvVar = "BOOTSTRAP_CONFIG"

// DefaultPath is used when neither a flag nor EnvVar names a config file.
const DefaultPath = "bootstrap.yaml"

// Lock backends.
const (
	LockMemory = "memory"
	LockS3     = "s3"
	LockRedis  = "redis"
	LockNone   = "none"
)

type Config struct {
	Project               string                                    `yaml:"project"`
	Repository            string                                    `yaml:"repository"`
	Partition             string                                    `yaml:"partition"`
	TrustModel            bootstrap.TrustModel                      `yaml:"trust_model"`
	Provider              bootstrap.ProviderSpec                    `yaml:"provider"`
	AccessRole            string                                    `yaml:"access_role"`
	Profile               string                                    `yaml:"profile"`
	ExternalToken         string                                    `yaml:"external_token"`
	Environments          map[string]EnvironmentConfig              `yaml:"environments"`
	Roles                 map[bootstrap.Tier]bootstrap.TierSettings `yaml:"roles"`
	RequireMFA            bool                                      `yaml:"require_mfa"`
	KeyDeletionWindowDays int32                                     `yaml:"key_deletion_window_days"`
	Lock                  LockConfig                                `yaml:"lock"`
	Policy                PolicyConfig                              `yaml:"policy"`
	ManifestDir           string                                    `yaml:"manifest_dir"`
	Retry                 RetryConfig                               `yaml:"retry"`
}

type EnvironmentConfig struct {
	AccountID string `yaml:"account_id"`
	Region    string `yaml:"region"`
	Nickname  string `yaml:"nickname"`
	Subject   string `yaml:"subject"`
}

// LockConfig selects the advisory lock backend.
type LockConfig struct {
	Backend       string        `yaml:"backend"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	Prefix        string        `yaml:"prefix"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type PolicyConfig struct {
	RegoDir string `yaml:"rego_dir"`
}

type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	DependencyAttempts int           `yaml:"dependency_attempts"`
}

// ResolvePath picks the config path: the flag value, then EnvVar, then
// DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, expands and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bootstrap.ErrValidation(fmt.Sprintf("failed to read config %s", path)).WithCause(err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data, applies environment overrides from lookup and
// validates the result. ${VAR} references are expanded before decoding.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		v, _ := lookup(key)
		return v
	})
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, bootstrap.ErrValidation("failed to parse config").WithCause(err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey turns an environment name into its override prefix.
func envKey(name string) string {
	return "BOOTSTRAP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BOOTSTRAP_EXTERNAL_TOKEN"); ok && v != "" {
		c.ExternalToken = v
	}
	for name, env := range c.Environments {
		prefix := envKey(name)
		if v, ok := lookup(prefix + "_ACCOUNT_ID"); ok {
			if !bootstrap.ValidAccountID(v) {
				return bootstrap.ErrValidation(fmt.Sprintf("%s_ACCOUNT_ID: %q must be 12 digits", prefix, v))
			}
			env.AccountID = v
		}
		if v, ok := lookup(prefix + "_REGION"); ok {
			if !bootstrap.ValidRegion(v) {
				return bootstrap.ErrValidation(fmt.Sprintf("%s_REGION: malformed region %q", prefix, v))
			}
			env.Region = v
		}
		c.Environments[name] = env
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Partition == "" {
		c.Partition = "aws"
	}
	if c.TrustModel == "" {
		c.TrustModel = bootstrap.TrustTiered
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = LockMemory
	}
	if c.ManifestDir == "" {
		c.ManifestDir = "manifests"
	}
	def := bootstrap.DefaultRetryPolicy
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.DependencyAttempts == 0 {
		c.Retry.DependencyAttempts = def.DependencyAttempts
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
}

// Validate fails on the first invalid field. It never touches the network.
func (c Config) Validate() error {
	if c.Repository == "" {
		return bootstrap.ErrValidation("repository is required")
	}
	if len(c.Environments) == 0 {
		return bootstrap.ErrValidation("at least one environment is required")
	}
	for tier := range c.Roles {
		if !knownTier(tier) {
			return bootstrap.ErrValidation(fmt.Sprintf("roles: unknown tier %q", tier))
		}
	}
	settings := c.Settings()
	if err := settings.Validate(); err != nil {
		return err
	}
	for _, env := range c.environments() {
		if err := settings.ValidateEnvironment(env); err != nil {
			return err
		}
	}
	if err := c.Lock.validate(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.DependencyAttempts < 1 {
		return bootstrap.ErrValidation("retry attempts must be at least 1")
	}
	if c.Retry.MaxDelay < 0 {
		return bootstrap.ErrValidation("retry max_delay must not be negative")
	}
	return nil
}

func knownTier(t bootstrap.Tier) bool {
	for _, known := range bootstrap.TrustTiered.Tiers() {
		if t == known {
			return true
		}
	}
	return false
}

func (l LockConfig) validate() error {
	switch l.Backend {
	case LockMemory, LockNone:
	case LockS3:
		if l.Bucket == "" {
			return bootstrap.ErrValidation("lock: s3 backend requires bucket")
		}
		if l.Region != "" && !bootstrap.ValidRegion(l.Region) {
			return bootstrap.ErrValidation(fmt.Sprintf("lock: malformed region %q", l.Region))
		}
	case LockRedis:
		if l.RedisAddr == "" {
			return bootstrap.ErrValidation("lock: redis backend requires redis_addr")
		}
	default:
		return bootstrap.ErrValidation(fmt.Sprintf("lock: unknown backend %q", l.Backend))
	}
	if l.TTL < 0 {
		return bootstrap.ErrValidation("lock: ttl must not be negative")
	}
	return nil
}

// Settings converts the config into orchestrator settings.
func (c Config) Settings() bootstrap.Settings {
	return bootstrap.Settings{
		Project:               c.Project,
		Repository:            c.Repository,
		Partition:             c.Partition,
		TrustModel:            c.TrustModel,
		Provider:              c.Provider,
		ExternalToken:         c.ExternalToken,
		RequireMFA:            c.RequireMFA,
		Tiers:                 c.Roles,
		KeyDeletionWindowDays: c.KeyDeletionWindowDays,
	}
}

// environments returns the configured environments sorted by name.
func (c Config) environments() []bootstrap.Environment {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]bootstrap.Environment, 0, len(names))
	for _, name := range names {
		e := c.Environments[name]
		out = append(out, bootstrap.Environment{
			Name:      name,
			AccountID: e.AccountID,
			Region:    e.Region,
			Nickname:  e.Nickname,
			Subject:   e.Subject,
		})
	}
	return out
}

// Registry builds the account registry of the configured environments.
func (c Config) Registry() (*bootstrap.AccountRegistry, error) {
	r, err := bootstrap.NewAccountRegistry(c.environments()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build account registry")
	}
	return r, nil
}

func (c Config) RetryPolicy() bootstrap.RetryPolicy {
	return bootstrap.RetryPolicy{
		MaxAttempts:        c.Retry.MaxAttempts,
		DependencyAttempts: c.Retry.DependencyAttempts,
		MaxDelay:           c.Retry.MaxDelay,
	}
}
