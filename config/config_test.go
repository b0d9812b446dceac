package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvConfigDefaultsAndOverrides(t *testing.T) {
	os.Setenv("TEST_PREFIX_NAME", "widget")
	defer os.Unsetenv("TEST_PREFIX_NAME")

	env := NewEnvConfig("TEST_PREFIX")
	assert.Equal(t, "widget", env.GetString("NAME", "fallback"))
	assert.Equal(t, "fallback", env.GetString("MISSING", "fallback"))
	assert.Equal(t, 5*time.Second, env.GetDuration("MISSING_DURATION", 5*time.Second))
}

func TestCacheConfigRejectsMutuallyExclusiveMemoryLimits(t *testing.T) {
	cfg := CacheConfig{Driver: "memory", MaxMemoryBytes: 100, MaxMemoryPercent: 10}
	assert.Error(t, cfg.Validate())

	cfg = CacheConfig{Driver: "memory", MaxMemoryBytes: 100}
	assert.NoError(t, cfg.Validate())
}

func TestValidatorAccumulatesErrors(t *testing.T) {
	v := NewValidator()
	v.RequireString("Name", "")
	v.RequirePositiveInt("Size", -1)
	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 2)
}

func TestLoadTTLConfigDefaults(t *testing.T) {
	cfg := LoadTTLConfig()
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, "plg_ttl_expiration_index", cfg.IndexResourceName)
}
