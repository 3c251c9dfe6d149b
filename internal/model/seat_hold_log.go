package model

import "time"

// HoldOutcome names the event a SeatHoldLog row records.
type HoldOutcome string

const (
	HoldHeld       HoldOutcome = "HELD"
	HoldRolledBack HoldOutcome = "ROLLED_BACK"
	HoldReleased   HoldOutcome = "RELEASED"
	HoldExpired    HoldOutcome = "EXPIRED"
	HoldSold       HoldOutcome = "SOLD"
)

// SeatHoldLog is one append-only audit row per hold attempt outcome.
type SeatHoldLog struct {
	ID            uint64
	SeatID        uint64
	UserID        uint64
	ReservationID uint64
	Outcome       HoldOutcome
	HoldStartedAt time.Time
	HoldExpiresAt time.Time
	ReleasedAt    *time.Time
	IsExpired     bool
}
