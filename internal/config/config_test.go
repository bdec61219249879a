package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/retention-engine/internal/model"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.RiskThreshold)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.BackoffBase)
	assert.Equal(t, 6*time.Hour, cfg.BackoffCap)
	assert.Equal(t, 72*time.Hour, cfg.RetryCooldownAfterFailed)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, RateLimit{Requests: 100, Interval: time.Minute}, cfg.RateLimitEmail)
	assert.Equal(t, "seed/customers.json", cfg.SeedFile)

	channels, err := cfg.Channels()
	require.NoError(t, err)
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelInApp}, channels)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "/tmp/retention.db")
	t.Setenv("RISK_THRESHOLD", "0.55")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("RATE_LIMIT_SMS", "10/30s")
	t.Setenv("CHANNEL_PRIORITY", "sms, in-app")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 0.55, cfg.RiskThreshold)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, RateLimit{Requests: 10, Interval: 30 * time.Second}, cfg.RateLimits()[model.ChannelSMS])

	channels, err := cfg.Channels()
	require.NoError(t, err)
	assert.Equal(t, []model.Channel{model.ChannelSMS, model.ChannelInApp}, channels)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"threshold":     {"RISK_THRESHOLD": "1.5"},
		"attempts":      {"MAX_ATTEMPTS": "0"},
		"base over cap": {"BACKOFF_BASE": "2h", "BACKOFF_CAP": "1h"},
		"jitter":        {"BACKOFF_JITTER": "0.5"},
		"channel":       {"CHANNEL_PRIORITY": "email,fax"},
		"rate limit":    {"RATE_LIMIT_EMAIL": "lots"},
		"driver":        {"STORE_DRIVER": "mongo"},
		"missing dsn":   {"STORE_DRIVER": "postgres"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("STORE_DRIVER", "memory")
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestRateLimitUnmarshal(t *testing.T) {
	var r RateLimit
	require.NoError(t, r.UnmarshalText([]byte("100/1m")))
	assert.Equal(t, 100, r.Requests)
	assert.Equal(t, time.Minute, r.Interval)
	assert.Equal(t, "100/1m0s", r.String())

	for _, bad := range []string{"", "100", "0/1m", "-1/1m", "10/abc", "10/0s"} {
		assert.Error(t, (&RateLimit{}).UnmarshalText([]byte(bad)), bad)
	}
}
