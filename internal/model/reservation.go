package model

import "time"

// ReservationStatus is the lifecycle state of a Reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationHold      ReservationStatus = "HOLD"
	ReservationPaid      ReservationStatus = "PAID"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Reservation records a buyer's in-progress or completed booking for one
// schedule. TotalAmount equals the sum of its ReservationSeat prices while
// the status is HOLD or PAID. ExpiresAt is nil while PENDING.
type Reservation struct {
	ID          uint64            // reservations.id
	UserID      uint64            // reservations.user_id
	ScheduleID  uint64            // reservations.schedule_id
	Status      ReservationStatus // reservations.status
	ExpiresAt   *time.Time        // reservations.expires_at (nullable)
	TotalAmount uint32            // reservations.total_amount
	PaymentRef  *string           // reservations.payment_ref (nullable)
	CreatedAt   time.Time         // reservations.created_at
	UpdatedAt   time.Time         // reservations.updated_at
}

// IsExpired reports whether the reservation's expiry has passed at now. A
// reservation without an expiry never expires.
func (r Reservation) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// CanHold reports whether seats may still be attached.
func (r Reservation) CanHold() bool {
	return r.Status == ReservationPending || r.Status == ReservationHold
}

// CanCancel reports whether the buyer may cancel.
func (r Reservation) CanCancel() bool {
	return r.Status == ReservationPending || r.Status == ReservationHold
}

// IsTerminal reports whether no further transition is possible.
func (r Reservation) IsTerminal() bool {
	switch r.Status {
	case ReservationPaid, ReservationExpired, ReservationCancelled:
		return true
	}
	return false
}

// RemainingSeconds returns the whole seconds left before expiry, floored at 0.
func (r Reservation) RemainingSeconds(now time.Time) int64 {
	if r.ExpiresAt == nil {
		return 0
	}
	d := r.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// ReservationSeat links a reservation to a seat with the price captured when
// the seat was held.
type ReservationSeat struct {
	ID            uint64    // reservation_seats.id
	ReservationID uint64    // reservation_seats.reservation_id
	SeatID        uint64    // reservation_seats.seat_id
	Price         uint32    // reservation_seats.price
	CreatedAt     time.Time // reservation_seats.created_at
}
