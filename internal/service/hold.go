package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/coord"
	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/repository"
)

// sweepLockWait bounds how long the expiry sweep waits for a seat lock. A
// busy seat is left for the next cycle.
const sweepLockWait = 200 * time.Millisecond

// errBatchConflict aborts the hold transaction so every write of the batch
// rolls back.
var errBatchConflict = errors.New("hold batch conflict")

// HoldCommand asks to hold SeatIDs for the reservation's buyer.
type HoldCommand struct {
	ReservationID uint64
	UserID        uint64
	SeatIDs       []uint64
}

// ReleaseCommand asks to give SeatIDs back.
type ReleaseCommand struct {
	ReservationID uint64
	UserID        uint64
	SeatIDs       []uint64
}

// HoldResult is the reservation after a successful hold together with the
// seats of the batch.
type HoldResult struct {
	Reservation model.Reservation
	SeatIDs     []uint64
}

// ReclaimReport summarises one expiry sweep.
type ReclaimReport struct {
	SeatsReleased       int `json:"seatsReleased"`
	ReservationsExpired int `json:"reservationsExpired"`
	Skipped             int `json:"skipped"`
	Failures            int `json:"failures"`
}

// HoldService is the seat state machine: AVAILABLE -> HOLD -> AVAILABLE,
// with HOLD -> SOLD driven by payment confirmation.
type HoldService struct {
	*engine
}

func NewHoldService(d Deps) *HoldService {
	e := newEngine(d)
	e.Log = e.Log.Named("hold")
	return &HoldService{engine: e}
}

func checkHoldable(res model.Reservation, now time.Time) error {
	switch res.Status {
	case model.ReservationPaid:
		return ErrReservationAlreadyPaid
	case model.ReservationExpired, model.ReservationCancelled:
		return ErrReservationClosed
	}
	if res.IsExpired(now) {
		return ErrReservationExpired
	}
	return nil
}

// HoldSeats holds every requested seat or none of them. Seats are locked in
// ascending id order; any conflict rolls the whole batch back and is
// reported with the complete conflict list.
func (s *HoldService) HoldSeats(ctx context.Context, cmd HoldCommand) (HoldResult, error) {
	ids, err := normalizeSeatIDs(cmd.SeatIDs, s.Config.MaxSeatsPerHold)
	if err != nil {
		return HoldResult{}, err
	}
	res, err := s.loadOwned(ctx, cmd.ReservationID, cmd.UserID)
	if err != nil {
		return HoldResult{}, err
	}
	if err := checkHoldable(res, s.Clock.Now()); err != nil {
		return HoldResult{}, err
	}

	locks, lc, err := s.lockSeats(ctx, res.ScheduleID, ids, s.Config.LockWait)
	if err != nil {
		return HoldResult{}, err
	}
	if lc != nil {
		return HoldResult{}, &ConflictError{ReservationID: res.ID, Conflicts: []SeatConflict{*lc}, At: s.Clock.Now()}
	}
	defer s.unlock(ctx, locks)

	now := s.Clock.Now()
	expiresAt := now.Add(s.Config.HoldTTL)
	var (
		conflicts []SeatConflict
		written   []model.Seat
		out       model.Reservation
	)
	err = s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		conflicts, written = nil, nil

		r, err := s.loadOwned(ctx, res.ID, cmd.UserID)
		if err != nil {
			return err
		}
		if err := checkHoldable(r, now); err != nil {
			return err
		}
		seats, err := s.Stores.Seats.GetByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(seats) != len(ids) {
			return ErrSeatNotFound
		}
		for _, seat := range seats {
			if seat.ScheduleID != r.ScheduleID {
				return ErrSeatNotFound
			}
			if !seat.HasGrade {
				return ErrPriceGradeNotFound
			}
		}
		owners, sold := s.gateView(ctx, r.ScheduleID, ids)

		lines, err := s.Stores.Lines.ListByReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		attached := make(map[uint64]bool, len(lines))
		for _, l := range lines {
			attached[l.SeatID] = true
		}

		var (
			logs   []model.SeatHoldLog
			events []model.OutboxEvent
			batch  = make(map[uint64]bool, len(ids))
		)
		for _, seat := range seats {
			if _, ok := sold[seat.ID]; ok || seat.Status == model.SeatSold {
				conflicts = append(conflicts, SeatConflict{SeatID: seat.ID, CurrentStatus: model.SeatSold, Reason: ReasonAlreadySold})
				continue
			}
			if owner, ok := owners[seat.ID]; ok && owner != r.UserID {
				conflicts = append(conflicts, SeatConflict{SeatID: seat.ID, CurrentStatus: model.SeatHold, Reason: ReasonAlreadyHeld})
				continue
			}
			if seat.Status == model.SeatHold {
				switch {
				case seat.HoldExpired(now):
					if _, err := s.repairExpired(ctx, seat, now); err != nil {
						return err
					}
					delete(attached, seat.ID)
				case seat.HeldBy(r.UserID) && attached[seat.ID]:
					// same buyer, same reservation: refreshed with the rest below
					continue
				default:
					conflicts = append(conflicts, SeatConflict{SeatID: seat.ID, CurrentStatus: model.SeatHold, Reason: ReasonAlreadyHeld})
					continue
				}
			}
			if len(conflicts) > 0 {
				continue
			}

			if err := s.Stores.Seats.MarkHeld(ctx, seat.ID, r.UserID, expiresAt); err != nil {
				return err
			}
			err := s.Stores.Lines.Add(ctx, model.ReservationSeat{ReservationID: r.ID, SeatID: seat.ID, Price: seat.Price})
			if err != nil && !errors.Is(err, repository.ErrConflict) {
				return err
			}
			written = append(written, seat)
			batch[seat.ID] = true
			logs = append(logs, model.SeatHoldLog{
				SeatID: seat.ID, UserID: r.UserID, ReservationID: r.ID, Outcome: model.HoldHeld,
				HoldStartedAt: now, HoldExpiresAt: expiresAt,
			})
			events = append(events, seatEvent(model.OutboxSeatHeld, r.ScheduleID, seat.ID, r.UserID, r.ID, &expiresAt, now))
		}
		if len(conflicts) > 0 {
			return errBatchConflict
		}

		var extend []uint64
		for id := range attached {
			if !batch[id] {
				extend = append(extend, id)
			}
		}
		extend = sortedCopy(extend)
		if len(extend) > 0 {
			if _, err := s.Stores.Seats.ExtendHolds(ctx, extend, r.UserID, expiresAt); err != nil {
				return err
			}
			for _, id := range extend {
				events = append(events, seatEvent(model.OutboxSeatHoldRefreshed, r.ScheduleID, id, r.UserID, r.ID, &expiresAt, now))
			}
		}
		if err := s.Stores.Logs.Append(ctx, logs...); err != nil {
			return err
		}
		if err := s.Stores.Outbox.Enqueue(ctx, events...); err != nil {
			return err
		}

		total, err := s.Stores.Lines.SumPrice(ctx, r.ID)
		if err != nil {
			return err
		}
		r.Status = model.ReservationHold
		r.ExpiresAt = &expiresAt
		r.TotalAmount = total
		if err := s.Stores.Reservations.UpdateState(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})

	if errors.Is(err, errBatchConflict) {
		s.logRollback(ctx, res, written, now)
		s.Log.Info("hold rejected",
			zap.Uint64("reservation_id", res.ID), zap.Uint64("user_id", res.UserID), zap.Int("conflicts", len(conflicts)))
		return HoldResult{}, &ConflictError{ReservationID: res.ID, Conflicts: conflicts, At: now}
	}
	if err != nil {
		return HoldResult{}, wrapStore("failed to hold seats", err)
	}
	s.kick()
	s.Log.Info("seats held",
		zap.Uint64("reservation_id", out.ID), zap.Uint64("user_id", out.UserID), zap.Uint64s("seat_ids", ids))
	return HoldResult{Reservation: out, SeatIDs: ids}, nil
}

// gateView reads the coordination store's owner keys and sold set. The gate
// only ever adds conflicts, so when it is unreachable the database alone
// decides.
func (s *HoldService) gateView(ctx context.Context, scheduleID uint64, ids []uint64) (map[uint64]uint64, map[uint64]struct{}) {
	owners, err := s.Gate.Owners(ctx, scheduleID, ids)
	if err != nil {
		s.Log.Warn("seat owner lookup failed", zap.Uint64("schedule_id", scheduleID), zap.Error(err))
		owners = nil
	}
	sold, err := s.Gate.SoldSeats(ctx, scheduleID)
	if err != nil {
		s.Log.Warn("sold set lookup failed", zap.Uint64("schedule_id", scheduleID), zap.Error(err))
		sold = nil
	}
	return owners, sold
}

// repairExpired reverts a lapsed hold, detaches the seat from every
// reservation and settles those reservations: a HOLD reservation whose own
// expiry passed is expired, any other has its amount recomputed. It returns
// how many reservations were expired.
func (s *HoldService) repairExpired(ctx context.Context, seat model.Seat, now time.Time) (int, error) {
	owner := *seat.HoldOwner
	resIDs, err := s.Stores.Lines.ReservationIDsBySeat(ctx, seat.ID)
	if err != nil {
		return 0, err
	}
	if err := s.Stores.Seats.MarkAvailable(ctx, []uint64{seat.ID}); err != nil {
		return 0, err
	}
	if err := s.Stores.Lines.DeleteBySeat(ctx, seat.ID); err != nil {
		return 0, err
	}
	prev := model.Reservation{UserID: owner}
	if len(resIDs) > 0 {
		prev.ID = resIDs[0]
	}
	if err := s.Stores.Logs.Append(ctx, s.holdLog(seat, prev, model.HoldExpired, now)); err != nil {
		return 0, err
	}
	if err := s.Stores.Outbox.Enqueue(ctx, seatEvent(model.OutboxSeatReleased, seat.ScheduleID, seat.ID, owner, prev.ID, nil, now)); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range resIDs {
		r, err := s.Stores.Reservations.GetByID(ctx, id)
		if err != nil {
			return expired, err
		}
		if r.Status != model.ReservationHold {
			continue
		}
		if r.IsExpired(now) {
			if _, err := s.closeReservation(ctx, r, model.ReservationExpired, now); err != nil {
				return expired, err
			}
			expired++
			continue
		}
		if err := s.resettle(ctx, r); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// logRollback records the seats a failed batch had already written. The
// transaction that wrote them is gone, so this is its own write.
func (s *HoldService) logRollback(ctx context.Context, res model.Reservation, seats []model.Seat, now time.Time) {
	if len(seats) == 0 {
		return
	}
	logs := make([]model.SeatHoldLog, 0, len(seats))
	for _, seat := range seats {
		at := now
		logs = append(logs, model.SeatHoldLog{
			SeatID: seat.ID, UserID: res.UserID, ReservationID: res.ID, Outcome: model.HoldRolledBack,
			HoldStartedAt: now, HoldExpiresAt: now.Add(s.Config.HoldTTL), ReleasedAt: &at,
		})
	}
	if err := s.Stores.Logs.Append(context.WithoutCancel(ctx), logs...); err != nil {
		s.Log.Warn("rollback log append failed", zap.Uint64("reservation_id", res.ID), zap.Error(err))
	}
}

// ReleaseSeats gives seats back. Seats not held by the buyer under this
// reservation are skipped, so releasing twice is harmless. When the last
// seat goes the reservation returns to PENDING without an expiry.
func (s *HoldService) ReleaseSeats(ctx context.Context, cmd ReleaseCommand) (model.Reservation, error) {
	ids, err := normalizeSeatIDs(cmd.SeatIDs, s.Config.MaxSeatsPerHold)
	if err != nil {
		return model.Reservation{}, err
	}
	res, err := s.loadOwned(ctx, cmd.ReservationID, cmd.UserID)
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Status == model.ReservationPaid {
		return model.Reservation{}, ErrReservationAlreadyPaid
	}
	if res.IsTerminal() {
		return res, nil
	}

	locks, lc, err := s.lockSeats(ctx, res.ScheduleID, ids, s.Config.LockWait)
	if err != nil {
		return model.Reservation{}, err
	}
	if lc != nil {
		return model.Reservation{}, &ConflictError{ReservationID: res.ID, Conflicts: []SeatConflict{*lc}, At: s.Clock.Now()}
	}
	defer s.unlock(ctx, locks)

	now := s.Clock.Now()
	out := res
	changed := false
	err = s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.loadOwned(ctx, res.ID, cmd.UserID)
		if err != nil {
			return err
		}
		out = r
		if r.Status == model.ReservationPaid {
			return ErrReservationAlreadyPaid
		}
		if r.IsTerminal() {
			return nil
		}
		lines, err := s.Stores.Lines.ListByReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		attached := make(map[uint64]bool, len(lines))
		for _, l := range lines {
			attached[l.SeatID] = true
		}
		var target []uint64
		for _, id := range ids {
			if attached[id] {
				target = append(target, id)
			}
		}
		if len(target) == 0 {
			return nil
		}

		if _, err := s.releaseHeld(ctx, r, target, model.HoldReleased, now); err != nil {
			return err
		}
		if err := s.Stores.Lines.DeleteSeats(ctx, r.ID, target); err != nil {
			return err
		}
		total, err := s.Stores.Lines.SumPrice(ctx, r.ID)
		if err != nil {
			return err
		}
		r.TotalAmount = total
		if len(lines) == len(target) {
			r.Status = model.ReservationPending
			r.ExpiresAt = nil
		}
		if err := s.Stores.Reservations.UpdateState(ctx, r); err != nil {
			return err
		}
		out = r
		changed = true
		return nil
	})
	if err != nil {
		return model.Reservation{}, wrapStore("failed to release seats", err)
	}
	if changed {
		s.kick()
		s.Log.Info("seats released", zap.Uint64("reservation_id", out.ID), zap.Uint64s("seat_ids", ids))
	}
	return out, nil
}

// ReclaimExpired is the expiry sweep body. Each seat and reservation is
// handled in its own transaction; a failing item is counted and the sweep
// moves on.
func (s *HoldService) ReclaimExpired(ctx context.Context) (ReclaimReport, error) {
	var rep ReclaimReport
	now := s.Clock.Now()

	seats, err := s.Stores.Seats.FindExpiredHolds(ctx, now, s.Config.HoldSweepBatch)
	if err != nil {
		return rep, fmt.Errorf("find expired seats: %w", err)
	}
	for _, seat := range seats {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		released, expired, err := s.reclaimSeat(ctx, seat, now)
		switch {
		case err != nil:
			rep.Failures++
			s.Log.Error("reclaim seat failed", zap.Uint64("seat_id", seat.ID), zap.Error(err))
		case !released:
			rep.Skipped++
		default:
			rep.SeatsReleased++
			rep.ReservationsExpired += expired
		}
	}

	ids, err := s.Stores.Reservations.FindExpiredHolds(ctx, now, s.Config.HoldSweepBatch)
	if err != nil {
		return rep, fmt.Errorf("find expired reservations: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		expired, err := s.expireReservation(ctx, id, now)
		if err != nil {
			rep.Failures++
			s.Log.Error("expire reservation failed", zap.Uint64("reservation_id", id), zap.Error(err))
			continue
		}
		if expired {
			rep.ReservationsExpired++
		}
	}

	if rep.SeatsReleased > 0 || rep.ReservationsExpired > 0 {
		s.kick()
		s.Log.Info("expired holds reclaimed",
			zap.Int("seats", rep.SeatsReleased), zap.Int("reservations", rep.ReservationsExpired), zap.Int("skipped", rep.Skipped))
	}
	if rep.Failures > 0 {
		return rep, fmt.Errorf("reclaim: %d item(s) failed", rep.Failures)
	}
	return rep, nil
}

// reclaimSeat reverts one lapsed hold under its seat lock. A seat whose lock
// is busy or whose hold was refreshed meanwhile is left alone.
func (s *HoldService) reclaimSeat(ctx context.Context, seat model.Seat, now time.Time) (bool, int, error) {
	lock, err := s.Locker.TryAcquire(ctx, coord.SeatLockKey(seat.ScheduleID, seat.ID), sweepLockWait, s.Config.LockLease)
	if err != nil {
		return false, 0, err
	}
	if lock == nil {
		return false, 0, nil
	}
	defer s.unlock(ctx, []*coord.Lock{lock})

	released := false
	expired := 0
	err = s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		released, expired = false, 0
		cur, err := s.Stores.Seats.GetByIDs(ctx, []uint64{seat.ID})
		if err != nil {
			return err
		}
		if len(cur) == 0 || !cur[0].HoldExpired(now) {
			return nil
		}
		n, err := s.repairExpired(ctx, cur[0], now)
		if err != nil {
			return err
		}
		released, expired = true, n
		return nil
	})
	return released, expired, err
}

// resettle recomputes a live reservation after one of its seats was taken
// away, keeping the amount equal to its remaining lines.
func (s *HoldService) resettle(ctx context.Context, r model.Reservation) error {
	lines, err := s.Stores.Lines.ListByReservation(ctx, r.ID)
	if err != nil {
		return err
	}
	total, err := s.Stores.Lines.SumPrice(ctx, r.ID)
	if err != nil {
		return err
	}
	r.TotalAmount = total
	if len(lines) == 0 {
		r.Status = model.ReservationPending
		r.ExpiresAt = nil
	}
	return s.Stores.Reservations.UpdateState(ctx, r)
}

func (s *HoldService) expireReservation(ctx context.Context, id uint64, now time.Time) (bool, error) {
	expired := false
	err := s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.Stores.Reservations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != model.ReservationHold || !r.IsExpired(now) {
			return nil
		}
		if _, err := s.closeReservation(ctx, r, model.ReservationExpired, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}
