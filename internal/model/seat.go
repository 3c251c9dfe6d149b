package model

import "time"

// SeatStatus is the state of one seat for one schedule.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatHold      SeatStatus = "HOLD"
	SeatSold      SeatStatus = "SOLD"
)

// Seat is one sellable seat of a schedule, joined with its price grade.
// HoldOwner and HoldExpiresAt are set iff Status is HOLD.
//
// Fields:
//
//	ID            – primary key identifier.
//	ScheduleID    – schedule the seat belongs to.
//	PriceGradeID  – price grade reference.
//	Floor/Block/Row/Number – structural position copied from the hall layout.
//	Status        – AVAILABLE, HOLD or SOLD.
//	HoldOwner     – buyer holding the seat (nullable).
//	HoldExpiresAt – hold expiry (nullable).
//	Version       – bumped on every status change.
type Seat struct {
	ID            uint64     // seats.id
	ScheduleID    uint64     // seats.schedule_id
	PriceGradeID  uint64     // seats.price_grade_id
	Floor         int        // seats.floor
	Block         string     // seats.block
	Row           int        // seats.seat_row
	Number        int        // seats.seat_number
	Status        SeatStatus // seats.status
	HoldOwner     *uint64    // seats.hold_owner (nullable)
	HoldExpiresAt *time.Time // seats.hold_expires_at (nullable)
	Version       uint32     // seats.version

	GradeName string // price_grades.name, empty when the grade row is missing
	Price     uint32 // price_grades.price
	HasGrade  bool   // false when the price grade join found nothing
}

// HoldExpired reports whether the seat is in HOLD with an expiry at or
// before now.
func (s Seat) HoldExpired(now time.Time) bool {
	return s.Status == SeatHold && s.HoldExpiresAt != nil && !s.HoldExpiresAt.After(now)
}

// HeldBy reports whether the seat is held by userID.
func (s Seat) HeldBy(userID uint64) bool {
	return s.Status == SeatHold && s.HoldOwner != nil && *s.HoldOwner == userID
}

// BlockSummary aggregates seat availability per floor and block.
type BlockSummary struct {
	Floor     int    `json:"floor"`
	Block     string `json:"block"`
	Total     int    `json:"totalSeats"`
	Available int    `json:"availableSeats"`
}
