package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/scheduler"
)

// Task names, also used by the admin endpoints.
const (
	TaskHoldExpiry = "seat-hold-expiry"
	TaskActive     = "active-sweep"
	TaskAdmission  = "admission"
	TaskOutbox     = "outbox-dispatch"
)

// Sweeper holds the bodies of the periodic reconciliation jobs. Each body
// is idempotent and isolates its items, so a delayed or skipped run is
// caught up by the next one.
type Sweeper struct {
	queue        *QueueService
	sessions     *SessionService
	reservations *ReservationService
	holds        *HoldService
	outbox       *OutboxDispatcher
	clock        clock.Clock
	cfg          config.BookingConfig
	log          *zap.Logger
}

func NewSweeper(q *QueueService, sess *SessionService, res *ReservationService, holds *HoldService, outbox *OutboxDispatcher,
	clk clock.Clock, cfg config.BookingConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{
		queue: q, sessions: sess, reservations: res, holds: holds, outbox: outbox,
		clock: clk, cfg: cfg, log: log.Named("sweep"),
	}
}

// Admit runs queue admission for every registered schedule.
func (w *Sweeper) Admit(ctx context.Context) error {
	sids, err := w.queue.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	var errs []error
	for _, sid := range sids {
		if _, err := w.queue.AdmitIfCapacity(ctx, sid, w.cfg.MaxActive); err != nil {
			errs = append(errs, fmt.Errorf("schedule %d: %w", sid, err))
		}
	}
	return errors.Join(errs...)
}

// EvictStale drops sessions whose heartbeat is older than the staleness
// window. The evicted buyer's live reservation is cancelled, which gives
// its seats back, and the session is deleted.
func (w *Sweeper) EvictStale(ctx context.Context) error {
	sids, err := w.queue.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	staleBefore := w.clock.Now().Add(-w.cfg.ActiveStaleAfter)
	var errs []error
	for _, sid := range sids {
		evicted, err := w.sessions.EvictStale(ctx, sid, staleBefore)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %d: %w", sid, err))
			continue
		}
		for _, ev := range evicted {
			if ev.UserID != 0 {
				if err := w.reservations.CancelActiveFor(ctx, ev.UserID, sid); err != nil {
					errs = append(errs, fmt.Errorf("cancel for user %d: %w", ev.UserID, err))
				}
			}
			if err := w.sessions.Delete(ctx, ev.SessionID); err != nil {
				errs = append(errs, err)
			}
		}
		if len(evicted) > 0 {
			w.log.Info("evicted stale sessions", zap.Uint64("schedule_id", sid), zap.Int("count", len(evicted)))
		}
	}
	return errors.Join(errs...)
}

// ReclaimExpired runs the seat-hold expiry sweep.
func (w *Sweeper) ReclaimExpired(ctx context.Context) error {
	_, err := w.holds.ReclaimExpired(ctx)
	return err
}

// DrainOutbox delivers one outbox batch.
func (w *Sweeper) DrainOutbox(ctx context.Context) error {
	_, err := w.outbox.DrainOnce(ctx)
	return err
}

// Tasks returns the scheduler tasks with their configured intervals.
func (w *Sweeper) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: TaskHoldExpiry, Interval: w.cfg.HoldSweepInterval, Run: w.ReclaimExpired},
		{Name: TaskActive, Interval: w.cfg.ActiveSweepInterval, Run: w.EvictStale},
		{Name: TaskAdmission, Interval: w.cfg.AdmitInterval, Run: w.Admit},
		{Name: TaskOutbox, Interval: w.cfg.OutboxInterval, Run: w.DrainOutbox, Trigger: w.outbox.Trigger()},
	}
}
