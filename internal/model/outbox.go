package model

import (
	"fmt"
	"time"
)

// OutboxKind identifies the side effect an outbox row asks for.
type OutboxKind string

const (
	OutboxSeatHeld          OutboxKind = "seat.held"
	OutboxSeatHoldRefreshed OutboxKind = "seat.hold_refreshed"
	OutboxSeatReleased      OutboxKind = "seat.released"
	OutboxSeatSold          OutboxKind = "seat.sold"

	OutboxReservationPaid      OutboxKind = "reservation.paid"
	OutboxReservationExpired   OutboxKind = "reservation.expired"
	OutboxReservationCancelled OutboxKind = "reservation.cancelled"
)

// OutboxEvent is a side-effect intent written in the same transaction as the
// authoritative change it describes. AggregateID is the seat id for seat.*
// kinds and the reservation id for reservation.* kinds. Applied is set once
// the coordination store and change feed saw the event; only the broker
// publish is left to retry after that.
type OutboxEvent struct {
	ID          uint64
	Kind        OutboxKind
	ScheduleID  uint64
	AggregateID uint64
	Payload     OutboxPayload
	Attempts    int
	Applied     bool
	CreatedAt   time.Time
}

// Stream names the ordering scope of an event. Events of one stream are
// delivered in id order; a failing event holds back the rest of its stream.
func (e OutboxEvent) Stream() string {
	switch e.Kind {
	case OutboxReservationPaid, OutboxReservationExpired, OutboxReservationCancelled:
		return fmt.Sprintf("reservation:%d", e.AggregateID)
	}
	return fmt.Sprintf("seat:%d:%d", e.ScheduleID, e.AggregateID)
}

// OutboxPayload is stored as JSON in outbox_events.payload.
type OutboxPayload struct {
	UserID        uint64     `json:"userId"`
	ReservationID uint64     `json:"reservationId,omitempty"`
	HoldExpiresAt *time.Time `json:"holdExpiresAt,omitempty"`
	TotalAmount   uint32     `json:"totalAmount,omitempty"`
	SeatIDs       []uint64   `json:"seatIds,omitempty"`
	OccurredAt    time.Time  `json:"occurredAt"`
}
