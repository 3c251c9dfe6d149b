package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/coord"
	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/repository"
)

// Deps wires the booking services to their stores and coordination layer.
// Kicker may be nil; the outbox is then drained on its own schedule only.
type Deps struct {
	Stores Stores
	Gate   SeatGate
	Locker coord.Locker
	Clock  clock.Clock
	Config config.BookingConfig
	Log    *zap.Logger
	Kicker Kicker
}

// engine holds what the hold and reservation services share: seat locking,
// seat release inside a transaction and the after-commit kick.
type engine struct {
	Deps
}

func newEngine(d Deps) *engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &engine{Deps: d}
}

func (e *engine) kick() {
	if e.Kicker != nil {
		e.Kicker.Kick()
	}
}

// loadOwned fetches a reservation and checks it belongs to userID.
func (e *engine) loadOwned(ctx context.Context, reservationID, userID uint64) (model.Reservation, error) {
	res, err := e.Stores.Reservations.GetByID(ctx, reservationID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return model.Reservation{}, apperr.Internal("failed to load reservation", err)
	}
	if res.UserID != userID {
		return model.Reservation{}, ErrReservationForbidden
	}
	return res, nil
}

// lockSeats takes one lock per seat in ascending seat id order. When a lock
// cannot be had within the wait, every lock taken so far is released and the
// failing seat is reported. ids must already be sorted.
func (e *engine) lockSeats(ctx context.Context, scheduleID uint64, ids []uint64, wait time.Duration) ([]*coord.Lock, *SeatConflict, error) {
	locks := make([]*coord.Lock, 0, len(ids))
	for _, id := range ids {
		l, err := e.Locker.TryAcquire(ctx, coord.SeatLockKey(scheduleID, id), wait, e.Config.LockLease)
		if err != nil {
			e.unlock(ctx, locks)
			return nil, nil, apperr.Internal("failed to lock seat", err)
		}
		if l == nil {
			e.unlock(ctx, locks)
			return nil, &SeatConflict{SeatID: id, CurrentStatus: statusUnknown, Reason: ReasonLockAcquisitionFailed}, nil
		}
		locks = append(locks, l)
	}
	return locks, nil, nil
}

// unlock releases locks on a context that survives request cancellation.
func (e *engine) unlock(ctx context.Context, locks []*coord.Lock) {
	rctx := context.WithoutCancel(ctx)
	for i := len(locks) - 1; i >= 0; i-- {
		if err := e.Locker.Release(rctx, locks[i]); err != nil {
			e.Log.Warn("seat lock release failed", zap.String("key", locks[i].Key), zap.Error(err))
		}
	}
}

// releaseHeld returns the seats among seatIDs that userID still holds to
// AVAILABLE and records one log row and one release intent per seat. It must
// run inside a transaction; the seat rows are locked by the read.
func (e *engine) releaseHeld(ctx context.Context, res model.Reservation, seatIDs []uint64, outcome model.HoldOutcome, now time.Time) ([]uint64, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	seats, err := e.Stores.Seats.GetByIDs(ctx, sortedCopy(seatIDs))
	if err != nil {
		return nil, err
	}
	var (
		released []uint64
		logs     []model.SeatHoldLog
		events   []model.OutboxEvent
	)
	for _, s := range seats {
		if !s.HeldBy(res.UserID) {
			continue
		}
		released = append(released, s.ID)
		logs = append(logs, e.holdLog(s, res, outcome, now))
		events = append(events, seatEvent(model.OutboxSeatReleased, s.ScheduleID, s.ID, res.UserID, res.ID, nil, now))
	}
	if err := e.Stores.Seats.MarkAvailable(ctx, released); err != nil {
		return nil, err
	}
	if err := e.Stores.Logs.Append(ctx, logs...); err != nil {
		return nil, err
	}
	if err := e.Stores.Outbox.Enqueue(ctx, events...); err != nil {
		return nil, err
	}
	return released, nil
}

// errLinesChanged aborts a transaction when the reservation gained a seat
// after its seat locks were taken.
var errLinesChanged = errors.New("reservation seats changed while locking")

// lineRetries bounds how often a close or a sale re-locks after
// errLinesChanged.
const lineRetries = 3

// lockedLines re-reads the lines of a reservation inside the transaction.
// Every line must be covered by the seat locks already held.
func (e *engine) lockedLines(ctx context.Context, reservationID uint64, locked []uint64) ([]model.ReservationSeat, error) {
	lines, err := e.Stores.Lines.ListByReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if !slices.Contains(locked, l.SeatID) {
			return nil, errLinesChanged
		}
	}
	return lines, nil
}

// closeReservation detaches every line of res, releases the seats it still
// holds and moves it to status. It must run inside a transaction with res
// already locked.
func (e *engine) closeReservation(ctx context.Context, res model.Reservation, status model.ReservationStatus, now time.Time) (model.Reservation, error) {
	lines, err := e.Stores.Lines.ListByReservation(ctx, res.ID)
	if err != nil {
		return res, err
	}
	seatIDs := lineSeatIDs(lines)
	outcome := model.HoldReleased
	kind := model.OutboxReservationCancelled
	if status == model.ReservationExpired {
		outcome = model.HoldExpired
		kind = model.OutboxReservationExpired
	}
	if _, err := e.releaseHeld(ctx, res, seatIDs, outcome, now); err != nil {
		return res, err
	}
	if err := e.Stores.Lines.DeleteSeats(ctx, res.ID, seatIDs); err != nil {
		return res, err
	}
	res.Status = status
	if err := e.Stores.Reservations.UpdateState(ctx, res); err != nil {
		return res, err
	}
	err = e.Stores.Outbox.Enqueue(ctx, model.OutboxEvent{
		Kind:        kind,
		ScheduleID:  res.ScheduleID,
		AggregateID: res.ID,
		Payload: model.OutboxPayload{
			UserID:        res.UserID,
			ReservationID: res.ID,
			TotalAmount:   res.TotalAmount,
			SeatIDs:       seatIDs,
			OccurredAt:    now,
		},
	})
	return res, err
}

// holdLog builds the audit row for one seat. For an existing hold the start
// is derived from its expiry.
func (e *engine) holdLog(s model.Seat, res model.Reservation, outcome model.HoldOutcome, now time.Time) model.SeatHoldLog {
	l := model.SeatHoldLog{
		SeatID:        s.ID,
		UserID:        res.UserID,
		ReservationID: res.ID,
		Outcome:       outcome,
		HoldStartedAt: now,
		HoldExpiresAt: now,
		IsExpired:     outcome == model.HoldExpired,
	}
	if s.HoldExpiresAt != nil {
		l.HoldExpiresAt = *s.HoldExpiresAt
		l.HoldStartedAt = s.HoldExpiresAt.Add(-e.Config.HoldTTL)
	}
	if outcome != model.HoldHeld {
		at := now
		l.ReleasedAt = &at
	}
	return l
}

func seatEvent(kind model.OutboxKind, scheduleID, seatID, userID, reservationID uint64, expiresAt *time.Time, now time.Time) model.OutboxEvent {
	return model.OutboxEvent{
		Kind:        kind,
		ScheduleID:  scheduleID,
		AggregateID: seatID,
		Payload: model.OutboxPayload{
			UserID:        userID,
			ReservationID: reservationID,
			HoldExpiresAt: expiresAt,
			OccurredAt:    now,
		},
	}
}

func lineSeatIDs(lines []model.ReservationSeat) []uint64 {
	ids := make([]uint64, len(lines))
	for i, l := range lines {
		ids[i] = l.SeatID
	}
	slices.Sort(ids)
	return ids
}

func sortedCopy(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

// normalizeSeatIDs sorts ids and rejects empty, zero, duplicate or oversized
// selections.
func normalizeSeatIDs(ids []uint64, max int) ([]uint64, error) {
	if len(ids) == 0 || len(ids) > max {
		return nil, ErrInvalidSeatSelection
	}
	out := sortedCopy(ids)
	for i, id := range out {
		if id == 0 || (i > 0 && out[i-1] == id) {
			return nil, ErrInvalidSeatSelection
		}
	}
	return out, nil
}

// wrapStore converts store failures into AppErrors. AppErrors and conflicts
// pass through.
func wrapStore(msg string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.AppError
	var ce *ConflictError
	if errors.As(err, &ae) || errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSeatNotFound.Wrap(err)
	}
	return apperr.Internal(msg, err)
}
