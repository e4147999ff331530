package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultDispatcherWorkers, cfg.DispatcherWorkers)
	assert.Equal(t, DefaultSchedulerInterval, cfg.SchedulerInterval)
	assert.Equal(t, int64(DefaultBackoffBaseMs), cfg.DefaultBackoffBaseMs)
}

func TestLoad_InvalidPort(t *testing.T) {
	setEnv(t, "PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a number")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:               DefaultPort,
			RateLimitRPM:       DefaultRateLimit,
			DBStatementTimeout: DefaultDBStatementTimeout,
			DispatcherWorkers:  DefaultDispatcherWorkers,
			DefaultBackoffBaseMs: DefaultBackoffBaseMs,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = "0" },
			wantErr: "PORT must be a number",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRPM = 0 },
			wantErr: "ADMIN_RATE_LIMIT_RPM must be at least 1",
		},
		{
			name:    "too-short statement timeout",
			mutate:  func(c *Config) { c.DBStatementTimeout = 10 },
			wantErr: "POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms",
		},
		{
			name:    "zero dispatcher workers",
			mutate:  func(c *Config) { c.DispatcherWorkers = 0 },
			wantErr: "DISPATCHER_WORKERS must be at least 1",
		},
		{
			name:    "backoff base out of range",
			mutate:  func(c *Config) { c.DefaultBackoffBaseMs = 100 },
			wantErr: "DEFAULT_BACKOFF_BASE_MS must be within",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
