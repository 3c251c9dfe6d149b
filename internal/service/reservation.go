package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/repository"
)

// ReservedSeat is one seat line of a reservation summary.
type ReservedSeat struct {
	SeatID uint64 `json:"performanceSeatId"`
	Floor  int    `json:"floor"`
	Block  string `json:"block"`
	Row    int    `json:"row"`
	Number int    `json:"number"`
	Grade  string `json:"grade"`
	Price  uint32 `json:"price"`
}

// ReservationSummary is the buyer-facing view of a reservation.
type ReservationSummary struct {
	ReservationID    uint64                  `json:"reservationId"`
	ScheduleID       uint64                  `json:"scheduleId"`
	Status           model.ReservationStatus `json:"status"`
	TotalAmount      uint32                  `json:"totalAmount"`
	ExpiresAt        *time.Time              `json:"expiresAt"`
	RemainingSeconds int64                   `json:"remainingSeconds"`
	PaymentRef       *string                 `json:"paymentRef,omitempty"`
	Seats            []ReservedSeat          `json:"seats,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
}

// ReservationService owns the reservation lifecycle:
// PENDING -> HOLD -> PAID | EXPIRED | CANCELLED.
type ReservationService struct {
	*engine
}

func NewReservationService(d Deps) *ReservationService {
	e := newEngine(d)
	e.Log = e.Log.Named("reservation")
	return &ReservationService{engine: e}
}

// Create returns the buyer's live reservation for the schedule, or a new
// PENDING one. A live reservation whose expiry already passed is expired on
// the spot and replaced.
func (s *ReservationService) Create(ctx context.Context, userID, scheduleID uint64) (model.Reservation, bool, error) {
	now := s.Clock.Now()
	var (
		out     model.Reservation
		created bool
	)
	err := s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		created = false
		live, ok, err := s.Stores.Reservations.FindLive(ctx, userID, scheduleID)
		if err != nil {
			return err
		}
		if ok && !live.IsExpired(now) {
			out = live
			return nil
		}
		if ok {
			if _, err := s.closeReservation(ctx, live, model.ReservationExpired, now); err != nil {
				return err
			}
		}
		res := model.Reservation{UserID: userID, ScheduleID: scheduleID, Status: model.ReservationPending}
		if err := s.Stores.Reservations.Create(ctx, &res); err != nil {
			return err
		}
		out, created = res, true
		return nil
	})
	if err != nil {
		return model.Reservation{}, false, wrapStore("failed to create reservation", err)
	}
	if created {
		s.kick()
		s.Log.Info("reservation created", zap.Uint64("reservation_id", out.ID), zap.Uint64("user_id", userID))
	}
	return out, created, nil
}

// Get returns the summary of one of the buyer's reservations.
func (s *ReservationService) Get(ctx context.Context, userID, reservationID uint64) (ReservationSummary, error) {
	res, err := s.loadOwned(ctx, reservationID, userID)
	if err != nil {
		return ReservationSummary{}, err
	}
	lines, err := s.Stores.Lines.ListByReservation(ctx, res.ID)
	if err != nil {
		return ReservationSummary{}, apperr.Internal("failed to load reservation seats", err)
	}
	seats, err := s.Stores.Seats.GetByIDs(ctx, lineSeatIDs(lines))
	if err != nil {
		return ReservationSummary{}, apperr.Internal("failed to load seats", err)
	}
	byID := make(map[uint64]model.Seat, len(seats))
	for _, st := range seats {
		byID[st.ID] = st
	}

	sum := s.Summarize(res)
	sum.Seats = make([]ReservedSeat, 0, len(lines))
	for _, l := range lines {
		st := byID[l.SeatID]
		sum.Seats = append(sum.Seats, ReservedSeat{
			SeatID: l.SeatID, Floor: st.Floor, Block: st.Block, Row: st.Row, Number: st.Number,
			Grade: st.GradeName, Price: l.Price,
		})
	}
	return sum, nil
}

// ScheduleOf returns the schedule of one of the buyer's reservations.
func (s *ReservationService) ScheduleOf(ctx context.Context, userID, reservationID uint64) (uint64, error) {
	res, err := s.loadOwned(ctx, reservationID, userID)
	if err != nil {
		return 0, err
	}
	return res.ScheduleID, nil
}

// ListMine pages through the buyer's reservations, newest first.
func (s *ReservationService) ListMine(ctx context.Context, userID uint64, limit, offset int) ([]ReservationSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.Stores.Reservations.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperr.Internal("failed to list reservations", err)
	}
	out := make([]ReservationSummary, 0, len(list))
	for _, r := range list {
		out = append(out, s.Summarize(r))
	}
	return out, nil
}

// Summarize renders a reservation without its seat lines.
func (s *ReservationService) Summarize(r model.Reservation) ReservationSummary {
	return ReservationSummary{
		ReservationID:    r.ID,
		ScheduleID:       r.ScheduleID,
		Status:           r.Status,
		TotalAmount:      r.TotalAmount,
		ExpiresAt:        r.ExpiresAt,
		RemainingSeconds: r.RemainingSeconds(s.Clock.Now()),
		PaymentRef:       r.PaymentRef,
		CreatedAt:        r.CreatedAt,
	}
}

// Cancel releases every seat of a PENDING or HOLD reservation and closes it.
// Cancelling an already cancelled reservation returns it unchanged.
func (s *ReservationService) Cancel(ctx context.Context, userID, reservationID uint64) (model.Reservation, error) {
	res, err := s.loadOwned(ctx, reservationID, userID)
	if err != nil {
		return model.Reservation{}, err
	}
	if res.Status == model.ReservationCancelled {
		return res, nil
	}
	if !res.CanCancel() {
		return model.Reservation{}, ErrReservationNotCancellable
	}

	for attempt := 1; ; attempt++ {
		out, err := s.cancelLocked(ctx, res, userID)
		if errors.Is(err, errLinesChanged) {
			if attempt < lineRetries {
				continue
			}
			return model.Reservation{}, ErrReservationChanged
		}
		if err != nil {
			return model.Reservation{}, err
		}
		s.kick()
		s.Log.Info("reservation cancelled", zap.Uint64("reservation_id", out.ID), zap.Uint64("user_id", userID))
		return out, nil
	}
}

// cancelLocked locks the seats currently attached to res and closes it. It
// fails with errLinesChanged when a seat was attached in between.
func (s *ReservationService) cancelLocked(ctx context.Context, res model.Reservation, userID uint64) (model.Reservation, error) {
	lines, err := s.Stores.Lines.ListByReservation(ctx, res.ID)
	if err != nil {
		return model.Reservation{}, apperr.Internal("failed to load reservation seats", err)
	}
	seatIDs := sortedCopy(lineSeatIDs(lines))
	locks, lc, err := s.lockSeats(ctx, res.ScheduleID, seatIDs, s.Config.LockWait)
	if err != nil {
		return model.Reservation{}, err
	}
	if lc != nil {
		return model.Reservation{}, &ConflictError{ReservationID: res.ID, Conflicts: []SeatConflict{*lc}, At: s.Clock.Now()}
	}
	defer s.unlock(ctx, locks)

	now := s.Clock.Now()
	var out model.Reservation
	err = s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.loadOwned(ctx, res.ID, userID)
		if err != nil {
			return err
		}
		if r.Status == model.ReservationCancelled {
			out = r
			return nil
		}
		if !r.CanCancel() {
			return ErrReservationNotCancellable
		}
		if _, err := s.lockedLines(ctx, r.ID, seatIDs); err != nil {
			return err
		}
		out, err = s.closeReservation(ctx, r, model.ReservationCancelled, now)
		return err
	})
	if errors.Is(err, errLinesChanged) {
		return model.Reservation{}, errLinesChanged
	}
	if err != nil {
		return model.Reservation{}, wrapStore("failed to cancel reservation", err)
	}
	return out, nil
}

// CancelActiveFor cancels the buyer's live reservation for a schedule, if
// any. The active sweep calls it for evicted sessions.
func (s *ReservationService) CancelActiveFor(ctx context.Context, userID, scheduleID uint64) error {
	live, ok, err := s.Stores.Reservations.FindLive(ctx, userID, scheduleID)
	if err != nil {
		return apperr.Internal("failed to find live reservation", err)
	}
	if !ok {
		return nil
	}
	_, err = s.Cancel(ctx, userID, live.ID)
	if errors.Is(err, ErrReservationNotCancellable) {
		return nil
	}
	return err
}

// ConfirmPayment turns a held reservation into a sale: its seats become
// SOLD and it moves to PAID. A repeated confirmation with the same payment
// reference is accepted without changes.
func (s *ReservationService) ConfirmPayment(ctx context.Context, reservationID uint64, paymentRef string) (model.Reservation, error) {
	res, err := s.Stores.Reservations.GetByID(ctx, reservationID)
	if err != nil {
		return model.Reservation{}, wrapReservationLookup(err)
	}
	if err := checkPayable(res, paymentRef, s.Clock.Now()); err != nil {
		if errors.Is(err, errAlreadyConfirmed) {
			return res, nil
		}
		return model.Reservation{}, err
	}

	for attempt := 1; ; attempt++ {
		out, err := s.payLocked(ctx, res, paymentRef)
		if errors.Is(err, errLinesChanged) {
			if attempt < lineRetries {
				continue
			}
			return model.Reservation{}, ErrReservationChanged
		}
		if err != nil {
			return model.Reservation{}, err
		}
		s.kick()
		s.Log.Info("reservation paid", zap.Uint64("reservation_id", out.ID), zap.String("payment_ref", paymentRef))
		return out, nil
	}
}

// payLocked locks the seats attached to res and sells them. It fails with
// errLinesChanged when a seat was attached in between.
func (s *ReservationService) payLocked(ctx context.Context, res model.Reservation, paymentRef string) (model.Reservation, error) {
	reservationID := res.ID
	lines, err := s.Stores.Lines.ListByReservation(ctx, res.ID)
	if err != nil {
		return model.Reservation{}, apperr.Internal("failed to load reservation seats", err)
	}
	seatIDs := sortedCopy(lineSeatIDs(lines))
	if len(seatIDs) == 0 {
		return model.Reservation{}, ErrReservationNotHeld
	}
	locks, lc, err := s.lockSeats(ctx, res.ScheduleID, seatIDs, s.Config.LockWait)
	if err != nil {
		return model.Reservation{}, err
	}
	if lc != nil {
		return model.Reservation{}, &ConflictError{ReservationID: res.ID, Conflicts: []SeatConflict{*lc}, At: s.Clock.Now()}
	}
	defer s.unlock(ctx, locks)

	now := s.Clock.Now()
	var out model.Reservation
	err = s.Stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := s.Stores.Reservations.GetByID(ctx, reservationID)
		if err != nil {
			return wrapReservationLookup(err)
		}
		if err := checkPayable(r, paymentRef, now); err != nil {
			if errors.Is(err, errAlreadyConfirmed) {
				out = r
				return nil
			}
			return err
		}
		lines, err := s.lockedLines(ctx, r.ID, seatIDs)
		if err != nil {
			return err
		}
		ids := lineSeatIDs(lines)
		seats, err := s.Stores.Seats.GetByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(seats) != len(ids) || len(ids) == 0 {
			return ErrSeatHoldLost
		}
		logs := make([]model.SeatHoldLog, 0, len(seats))
		events := make([]model.OutboxEvent, 0, len(seats)+1)
		for _, st := range seats {
			if !st.HeldBy(r.UserID) {
				return ErrSeatHoldLost
			}
			logs = append(logs, s.holdLog(st, r, model.HoldSold, now))
			events = append(events, seatEvent(model.OutboxSeatSold, r.ScheduleID, st.ID, r.UserID, r.ID, nil, now))
		}
		if err := s.Stores.Seats.MarkSold(ctx, ids); err != nil {
			return err
		}
		if err := s.Stores.Logs.Append(ctx, logs...); err != nil {
			return err
		}
		total, err := s.Stores.Lines.SumPrice(ctx, r.ID)
		if err != nil {
			return err
		}
		ref := paymentRef
		r.Status = model.ReservationPaid
		r.PaymentRef = &ref
		r.TotalAmount = total
		if err := s.Stores.Reservations.UpdateState(ctx, r); err != nil {
			return err
		}
		events = append(events, model.OutboxEvent{
			Kind:        model.OutboxReservationPaid,
			ScheduleID:  r.ScheduleID,
			AggregateID: r.ID,
			Payload: model.OutboxPayload{
				UserID: r.UserID, ReservationID: r.ID, TotalAmount: total, SeatIDs: ids, OccurredAt: now,
			},
		})
		if err := s.Stores.Outbox.Enqueue(ctx, events...); err != nil {
			return err
		}
		out = r
		return nil
	})
	if errors.Is(err, errLinesChanged) {
		return model.Reservation{}, errLinesChanged
	}
	if err != nil {
		return model.Reservation{}, wrapStore("failed to confirm payment", err)
	}
	return out, nil
}

var errAlreadyConfirmed = errors.New("payment already confirmed")

func checkPayable(r model.Reservation, paymentRef string, now time.Time) error {
	switch r.Status {
	case model.ReservationPaid:
		if r.PaymentRef == nil || *r.PaymentRef == paymentRef {
			return errAlreadyConfirmed
		}
		return ErrReservationAlreadyPaid
	case model.ReservationExpired, model.ReservationCancelled:
		return ErrReservationClosed
	case model.ReservationPending:
		return ErrReservationNotHeld
	}
	if r.IsExpired(now) {
		return ErrReservationExpired
	}
	return nil
}

func wrapReservationLookup(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrReservationNotFound
	}
	return apperr.Internal("failed to load reservation", err)
}
