package service

import (
	"context"
	"time"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// TxRunner runs fn in one authoritative transaction carried by ctx. Store
// calls made with that ctx take part in it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SeatStore reads and mutates seat rows. Inside a transaction GetByIDs locks
// the rows in ascending id order.
type SeatStore interface {
	GetByIDs(ctx context.Context, ids []uint64) ([]model.Seat, error)
	ListBySchedule(ctx context.Context, scheduleID uint64) ([]model.Seat, error)
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Seat, error)
	MarkHeld(ctx context.Context, seatID, userID uint64, expiresAt time.Time) error
	ExtendHolds(ctx context.Context, seatIDs []uint64, userID uint64, expiresAt time.Time) (int64, error)
	MarkAvailable(ctx context.Context, seatIDs []uint64) error
	MarkSold(ctx context.Context, seatIDs []uint64) error
}

type ReservationStore interface {
	Create(ctx context.Context, res *model.Reservation) error
	GetByID(ctx context.Context, id uint64) (model.Reservation, error)
	FindLive(ctx context.Context, userID, scheduleID uint64) (model.Reservation, bool, error)
	UpdateState(ctx context.Context, res model.Reservation) error
	ListByUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Reservation, error)
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uint64, error)
}

type ReservationSeatStore interface {
	Add(ctx context.Context, line model.ReservationSeat) error
	ListByReservation(ctx context.Context, reservationID uint64) ([]model.ReservationSeat, error)
	ReservationIDsBySeat(ctx context.Context, seatID uint64) ([]uint64, error)
	DeleteSeats(ctx context.Context, reservationID uint64, seatIDs []uint64) error
	DeleteBySeat(ctx context.Context, seatID uint64) error
	SumPrice(ctx context.Context, reservationID uint64) (uint32, error)
}

type HoldLogStore interface {
	Append(ctx context.Context, logs ...model.SeatHoldLog) error
}

type OutboxStore interface {
	Enqueue(ctx context.Context, events ...model.OutboxEvent) error
	FetchPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEvent, error)
	MarkDispatched(ctx context.Context, ids []uint64, at time.Time) error
	MarkApplied(ctx context.Context, id uint64, at time.Time) error
	MarkFailed(ctx context.Context, id uint64, reason string, retryAt time.Time) error
}

// Stores bundles the authoritative store handles shared by the booking
// services.
type Stores struct {
	Tx           TxRunner
	Seats        SeatStore
	Reservations ReservationStore
	Lines        ReservationSeatStore
	Logs         HoldLogStore
	Outbox       OutboxStore
}

// SeatGate is the fast-path view of seat ownership kept in the coordination
// store. It is never authoritative.
type SeatGate interface {
	Owners(ctx context.Context, scheduleID uint64, seatIDs []uint64) (map[uint64]uint64, error)
	SoldSeats(ctx context.Context, scheduleID uint64) (map[uint64]struct{}, error)
	ApplyHold(ctx context.Context, scheduleID, seatID, userID uint64, expiresAt, now time.Time) error
	ApplyRelease(ctx context.Context, scheduleID, seatID, userID uint64) error
	ApplySold(ctx context.Context, scheduleID, seatID uint64) error
}

// ChangeFeed records and serves per-schedule seat change events.
type ChangeFeed interface {
	Record(ctx context.Context, scheduleID, seatID uint64, status model.SeatStatus, userID uint64, at time.Time) (int64, error)
	Since(ctx context.Context, scheduleID uint64, sinceVersion int64) (model.SeatChanges, error)
}

// EventPublisher delivers integration events to downstream collaborators.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// Kicker is notified after a commit that left outbox rows behind.
type Kicker interface {
	Kick()
}
