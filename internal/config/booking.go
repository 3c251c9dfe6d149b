package config

import (
	"errors"
	"time"
)

// BookingConfig carries every timeout and capacity of the booking flow.
// None of them may be zero: there is no "forever" in the hot path.
type BookingConfig struct {
	HoldTTL         time.Duration // seat hold and reservation expiry window
	LockWait        time.Duration // max wait for a per-seat lock
	LockLease       time.Duration // per-seat lock lease
	MaxSeatsPerHold int

	SessionTTL      time.Duration // booking session lifetime
	WaitingTokenTTL time.Duration // lifetime of an admission token
	JoinTTL         time.Duration // lifetime of the device/waiting-id mapping
	TokenLockLease  time.Duration // one-shot lock guarding token redemption

	MaxActive        int           // admission capacity per schedule
	ActiveStaleAfter time.Duration // heartbeat staleness window

	ChangesTTL         time.Duration // lifetime of one seat change entry
	ChangesMaxLookback int64         // versions a poller may lag before a full refresh

	HoldSweepInterval   time.Duration
	HoldSweepBatch      int
	ActiveSweepInterval time.Duration
	AdmitInterval       time.Duration
	OutboxInterval      time.Duration
	OutboxBatch         int
	OutboxMaxBackoff    time.Duration // cap on the retry delay of a failing outbox row
}

// LoadBookingConfig reads BOOKING_* variables with production defaults.
func LoadBookingConfig() BookingConfig {
	return BookingConfig{
		HoldTTL:         envDur("BOOKING_HOLD_TTL", 7*time.Minute),
		LockWait:        envDur("BOOKING_LOCK_WAIT", 3*time.Second),
		LockLease:       envDur("BOOKING_LOCK_LEASE", 5*time.Second),
		MaxSeatsPerHold: envInt("BOOKING_MAX_SEATS_PER_HOLD", 4),

		SessionTTL:      envDur("BOOKING_SESSION_TTL", 30*time.Minute),
		WaitingTokenTTL: envDur("BOOKING_WAITING_TOKEN_TTL", 3*time.Minute),
		JoinTTL:         envDur("BOOKING_JOIN_TTL", 30*time.Minute),
		TokenLockLease:  envDur("BOOKING_TOKEN_LOCK_LEASE", 10*time.Second),

		MaxActive:        envInt("BOOKING_MAX_ACTIVE", 50),
		ActiveStaleAfter: envDur("BOOKING_ACTIVE_STALE_AFTER", 60*time.Second),

		ChangesTTL:         envDur("BOOKING_CHANGES_TTL", 60*time.Second),
		ChangesMaxLookback: int64(envInt("BOOKING_CHANGES_MAX_LOOKBACK", 100)),

		HoldSweepInterval:   envDur("BOOKING_HOLD_SWEEP_INTERVAL", 10*time.Second),
		HoldSweepBatch:      envInt("BOOKING_HOLD_SWEEP_BATCH", 100),
		ActiveSweepInterval: envDur("BOOKING_ACTIVE_SWEEP_INTERVAL", 5*time.Second),
		AdmitInterval:       envDur("BOOKING_ADMIT_INTERVAL", time.Second),
		OutboxInterval:      envDur("BOOKING_OUTBOX_INTERVAL", 500*time.Millisecond),
		OutboxBatch:         envInt("BOOKING_OUTBOX_BATCH", 100),
		OutboxMaxBackoff:    envDur("BOOKING_OUTBOX_MAX_BACKOFF", 5*time.Minute),
	}
}

// Validate rejects non-positive timeouts and capacities.
func (c BookingConfig) Validate() error {
	durs := map[string]time.Duration{
		"BOOKING_HOLD_TTL":              c.HoldTTL,
		"BOOKING_LOCK_WAIT":             c.LockWait,
		"BOOKING_LOCK_LEASE":            c.LockLease,
		"BOOKING_SESSION_TTL":           c.SessionTTL,
		"BOOKING_WAITING_TOKEN_TTL":     c.WaitingTokenTTL,
		"BOOKING_JOIN_TTL":              c.JoinTTL,
		"BOOKING_TOKEN_LOCK_LEASE":      c.TokenLockLease,
		"BOOKING_ACTIVE_STALE_AFTER":    c.ActiveStaleAfter,
		"BOOKING_CHANGES_TTL":           c.ChangesTTL,
		"BOOKING_HOLD_SWEEP_INTERVAL":   c.HoldSweepInterval,
		"BOOKING_ACTIVE_SWEEP_INTERVAL": c.ActiveSweepInterval,
		"BOOKING_ADMIT_INTERVAL":        c.AdmitInterval,
		"BOOKING_OUTBOX_INTERVAL":       c.OutboxInterval,
		"BOOKING_OUTBOX_MAX_BACKOFF":    c.OutboxMaxBackoff,
	}
	var errs []error
	for k, d := range durs {
		if d <= 0 {
			errs = append(errs, errors.New(k+" must be positive"))
		}
	}
	if c.MaxSeatsPerHold < 1 {
		errs = append(errs, errors.New("BOOKING_MAX_SEATS_PER_HOLD must be at least 1"))
	}
	if c.MaxActive < 1 {
		errs = append(errs, errors.New("BOOKING_MAX_ACTIVE must be at least 1"))
	}
	if c.HoldSweepBatch < 1 || c.OutboxBatch < 1 {
		errs = append(errs, errors.New("sweep batch sizes must be at least 1"))
	}
	if c.ChangesMaxLookback < 1 {
		errs = append(errs, errors.New("BOOKING_CHANGES_MAX_LOOKBACK must be at least 1"))
	}
	return errors.Join(errs...)
}
