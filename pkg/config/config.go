// Package config loads the repository service configuration from a YAML
// file overlaid with CLUSO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CLUSO_"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	LogLevel     string             `yaml:"log_level" validate:"oneof=debug info warn error"`
	Transactions TransactionsConfig `yaml:"transactions"`
	Containment  ContainmentConfig  `yaml:"containment"`
	Locks        LocksConfig        `yaml:"locks"`
	Admin        AdminConfig        `yaml:"admin"`
}

type TransactionsConfig struct {
	SessionTimeout  time.Duration `yaml:"session_timeout" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	GracePeriod     time.Duration `yaml:"grace_period" validate:"gte=0"`
	CommitRetry     RetryConfig   `yaml:"commit_retry"`
}

// RetryConfig bounds the retries of best-effort participant commits. Zero
// retries commits each participant once.
type RetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries" validate:"lte=20"`
	BaseDelay  time.Duration `yaml:"base_delay" validate:"gte=0"`
}

type ContainmentConfig struct {
	Backend       string         `yaml:"backend" validate:"oneof=memory postgres"`
	ContainsLimit int            `yaml:"contains_limit" validate:"gt=0"`
	WAL           WALConfig      `yaml:"wal"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

// WALConfig enables journaling of the in-memory index. An empty Dir
// keeps the index purely in memory.
type WALConfig struct {
	Dir        string `yaml:"dir"`
	Compressed bool   `yaml:"compressed"`
}

type PostgresConfig struct {
	URL      string `yaml:"url" validate:"required_if=Enabled true"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
	// Enabled is derived from the containment backend.
	Enabled bool `yaml:"-"`
}

type LocksConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string        `yaml:"address" validate:"required_if=Enabled true"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
	Enabled  bool          `yaml:"-"`
}

type AdminConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

// Default returns a valid configuration with in-memory backends.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Transactions: TransactionsConfig{
			SessionTimeout:  3 * time.Minute,
			CleanupInterval: time.Minute,
			GracePeriod:     time.Minute,
			CommitRetry:     RetryConfig{MaxRetries: 3, BaseDelay: 50 * time.Millisecond},
		},
		Containment: ContainmentConfig{
			Backend:       BackendMemory,
			ContainsLimit: 50000,
			Postgres:      PostgresConfig{MaxConns: 10},
		},
		Locks: LocksConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{TTL: 24 * time.Hour},
		},
		Admin: AdminConfig{Listen: ":9090"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration. Backend-specific sections are only
// required when their backend is selected.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.Containment.Postgres.Enabled = c.Containment.Backend == BackendPostgres
	c.Locks.Redis.Enabled = c.Locks.Backend == BackendRedis
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	msgs := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// envBinding maps one environment variable onto a configuration field.
type envBinding struct {
	name string
	set  func(string) error
}

func (c *Config) bindings() []envBinding {
	return []envBinding{
		{"LOG_LEVEL", setString(&c.LogLevel)},
		{"SESSION_TIMEOUT", setDuration(&c.Transactions.SessionTimeout)},
		{"CLEANUP_INTERVAL", setDuration(&c.Transactions.CleanupInterval)},
		{"GRACE_PERIOD", setDuration(&c.Transactions.GracePeriod)},
		{"COMMIT_MAX_RETRIES", setUint(&c.Transactions.CommitRetry.MaxRetries)},
		{"COMMIT_BASE_DELAY", setDuration(&c.Transactions.CommitRetry.BaseDelay)},
		{"CONTAINMENT_BACKEND", setString(&c.Containment.Backend)},
		{"CONTAINS_LIMIT", setInt(&c.Containment.ContainsLimit)},
		{"WAL_DIR", setString(&c.Containment.WAL.Dir)},
		{"WAL_COMPRESSED", setBool(&c.Containment.WAL.Compressed)},
		{"POSTGRES_URL", setString(&c.Containment.Postgres.URL)},
		{"LOCK_BACKEND", setString(&c.Locks.Backend)},
		{"REDIS_ADDR", setString(&c.Locks.Redis.Address)},
		{"REDIS_PASSWORD", setString(&c.Locks.Redis.Password)},
		{"REDIS_DB", setInt(&c.Locks.Redis.DB)},
		{"ADMIN_LISTEN", setString(&c.Admin.Listen)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		value, ok := lookup(EnvPrefix + b.name)
		if !ok || value == "" {
			continue
		}
		if err := b.set(value); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setUint(dst *uint64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}
