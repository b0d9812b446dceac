// Package config loads the plugin runtime's configuration from the
// environment: typed getters with defaults, a fluent Validator that
// accumulates errors instead of failing fast, and a frozen struct returned
// at construction so no engine can mutate configuration after install.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads environment variables under an optional prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig returns an EnvConfig that reads "<prefix>_<KEY>" when prefix
// is non-empty, else "<KEY>".
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

func (ec *EnvConfig) GetString(key, def string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return def
}

func (ec *EnvConfig) GetInt(key string, def int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (ec *EnvConfig) GetBool(key string, def bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (ec *EnvConfig) GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func (ec *EnvConfig) GetStringSlice(key string, def []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validator accumulates configuration validation errors so every problem
// surfaces at once instead of one environment variable at a time.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Errors() []string { return v.errors }

func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration invalid: %s", strings.Join(v.errors, "; "))
}

// ObjectStoreConfig configures the object-store client.
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for S3-compatible non-AWS endpoints
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// LoadObjectStoreConfig reads S3DB_OBJECTSTORE_* variables.
func LoadObjectStoreConfig() ObjectStoreConfig {
	env := NewEnvConfig("S3DB_OBJECTSTORE")
	return ObjectStoreConfig{
		Bucket:          env.GetString("BUCKET", ""),
		Region:          env.GetString("REGION", "us-east-1"),
		Endpoint:        env.GetString("ENDPOINT", ""),
		AccessKeyID:     env.GetString("ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetString("SECRET_ACCESS_KEY", ""),
		ForcePathStyle:  env.GetBool("FORCE_PATH_STYLE", false),
	}
}

// CacheConfig configures the default cache engine installation.
type CacheConfig struct {
	Driver               string // memory | filesystem | partition-filesystem | s3 | redis | multitier
	RetryAttempts        int
	RetryDelay           time.Duration
	CompressionThreshold int
	IncludePartitions    bool
	MaxMemoryBytes       int64
	MaxMemoryPercent     float64
	RedisURL             string
	FilesystemRoot       string
}

// LoadCacheConfig reads S3DB_CACHE_* variables.
func LoadCacheConfig() CacheConfig {
	env := NewEnvConfig("S3DB_CACHE")
	return CacheConfig{
		Driver:               env.GetString("DRIVER", "memory"),
		RetryAttempts:        env.GetInt("RETRY_ATTEMPTS", 3),
		RetryDelay:           env.GetDuration("RETRY_DELAY", 100*time.Millisecond),
		CompressionThreshold: env.GetInt("COMPRESSION_THRESHOLD", 1<<14),
		IncludePartitions:    env.GetBool("INCLUDE_PARTITIONS", true),
		MaxMemoryBytes:       int64(env.GetInt("MAX_MEMORY_BYTES", 0)),
		MaxMemoryPercent:     float64(env.GetInt("MAX_MEMORY_PERCENT", 0)),
		RedisURL:             env.GetString("REDIS_URL", "redis://localhost:6379/0"),
		FilesystemRoot:       env.GetString("FILESYSTEM_ROOT", "/tmp/s3db-cache"),
	}
}

// Validate rejects configs that set both memory limits at once.
func (c CacheConfig) Validate() error {
	v := NewValidator()
	if c.MaxMemoryBytes > 0 && c.MaxMemoryPercent > 0 {
		v.errors = append(v.errors, "cache: maxMemoryBytes and maxMemoryPercent are mutually exclusive")
	}
	v.RequireOneOf("Driver", c.Driver, []string{"memory", "filesystem", "partition-filesystem", "s3", "redis", "multitier"})
	return v.Validate()
}

// TTLConfig configures the default TTL engine sweep cadence.
type TTLConfig struct {
	BatchSize           int
	MinuteSweepInterval time.Duration
	HourSweepInterval   time.Duration
	DaySweepInterval    time.Duration
	WeekSweepInterval   time.Duration
	IndexResourceName   string
}

// LoadTTLConfig reads S3DB_TTL_* variables. Default sweep cadences scale
// with granularity: minute every ~10s, hour every ~10m, day hourly, week
// daily.
func LoadTTLConfig() TTLConfig {
	env := NewEnvConfig("S3DB_TTL")
	return TTLConfig{
		BatchSize:           env.GetInt("BATCH_SIZE", 100),
		MinuteSweepInterval: env.GetDuration("MINUTE_SWEEP_INTERVAL", 10*time.Second),
		HourSweepInterval:   env.GetDuration("HOUR_SWEEP_INTERVAL", 10*time.Minute),
		DaySweepInterval:    env.GetDuration("DAY_SWEEP_INTERVAL", time.Hour),
		WeekSweepInterval:   env.GetDuration("WEEK_SWEEP_INTERVAL", 24*time.Hour),
		IndexResourceName:   env.GetString("INDEX_RESOURCE_NAME", "plg_ttl_expiration_index"),
	}
}

// StateMachineConfig configures the default state-machine engine.
type StateMachineConfig struct {
	LockTTL        time.Duration
	LockTimeout    time.Duration
	MaxRetryDelay  time.Duration
	StatesResource string
	LogResource    string
}

// LoadStateMachineConfig reads S3DB_STATEMACHINE_* variables.
func LoadStateMachineConfig() StateMachineConfig {
	env := NewEnvConfig("S3DB_STATEMACHINE")
	return StateMachineConfig{
		LockTTL:        env.GetDuration("LOCK_TTL", 30*time.Second),
		LockTimeout:    env.GetDuration("LOCK_TIMEOUT", 2*time.Second),
		MaxRetryDelay:  env.GetDuration("MAX_RETRY_DELAY", 30*time.Second),
		StatesResource: env.GetString("STATES_RESOURCE", "plg_entity_states"),
		LogResource:    env.GetString("LOG_RESOURCE", "plg_state_transitions"),
	}
}

// LoggingConfig configures the ambient logrus setup in package common.
type LoggingConfig struct {
	Level string
	JSON  bool
}

// LoadLoggingConfig reads S3DB_LOG_* variables.
func LoadLoggingConfig() LoggingConfig {
	env := NewEnvConfig("S3DB_LOG")
	return LoggingConfig{
		Level: env.GetString("LEVEL", "info"),
		JSON:  env.GetBool("JSON", false),
	}
}
