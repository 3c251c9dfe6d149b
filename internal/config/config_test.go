package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_USER", "booking")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_NAME", "booking")
	t.Setenv("JWT_SECRET", "s3cret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "3306", cfg.DBPort)
	assert.Equal(t, 7*time.Minute, cfg.Booking.HoldTTL)
	assert.Equal(t, 3*time.Second, cfg.Booking.LockWait)
	assert.Equal(t, 5*time.Second, cfg.Booking.LockLease)
	assert.Equal(t, 60*time.Second, cfg.Booking.ActiveStaleAfter)
	assert.Equal(t, int64(100), cfg.Booking.ChangesMaxLookback)
	assert.Equal(t, 4, cfg.Booking.MaxSeatsPerHold)
	assert.Equal(t, 5*time.Minute, cfg.Booking.OutboxMaxBackoff)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_ReportsAllMissing(t *testing.T) {
	t.Setenv("DB_USER", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_NAME", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	for _, k := range []string{"DB_USER", "DB_HOST", "DB_NAME", "JWT_SECRET"} {
		assert.Contains(t, err.Error(), k)
	}
}

func TestLoad_RejectsZeroTimeouts(t *testing.T) {
	setRequired(t)
	t.Setenv("BOOKING_LOCK_LEASE", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOKING_LOCK_LEASE")
}

func TestLoadRedisConfig_HostPortWins(t *testing.T) {
	t.Setenv("REDIS_ADDR", "ignored:1")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")

	assert.Equal(t, "redis:6380", LoadRedisConfig().Addr)
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "maybe")

	assert.Equal(t, 7, envInt("X_INT", 7))
	assert.Equal(t, time.Second, envDur("X_DUR", time.Second))
	assert.True(t, envBool("X_BOOL", true))
}
