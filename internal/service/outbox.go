package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// OutboxMessage is the body published for every outbox row.
type OutboxMessage struct {
	EventID     uint64           `json:"eventId"`
	Kind        model.OutboxKind `json:"kind"`
	ScheduleID  uint64           `json:"scheduleId"`
	AggregateID uint64           `json:"aggregateId"`
	model.OutboxPayload
}

// OutboxDispatcher drains outbox rows written by committed transactions into
// the coordination store, the seat change feed and the broker. Delivery is
// at least once; every side effect is idempotent.
type OutboxDispatcher struct {
	tx     TxRunner
	outbox OutboxStore
	gate   SeatGate
	feed   ChangeFeed
	pub    EventPublisher
	clock  clock.Clock
	cfg    config.BookingConfig
	log    *zap.Logger
	kick   chan struct{}
}

// NewOutboxDispatcher returns a dispatcher. pub may be nil when no broker
// is configured.
func NewOutboxDispatcher(tx TxRunner, outbox OutboxStore, gate SeatGate, feed ChangeFeed, pub EventPublisher,
	clk clock.Clock, cfg config.BookingConfig, log *zap.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		tx: tx, outbox: outbox, gate: gate, feed: feed, pub: pub,
		clock: clk, cfg: cfg, log: log.Named("outbox"),
		kick: make(chan struct{}, 1),
	}
}

// Kick asks for an early drain. It never blocks; kicks coalesce.
func (d *OutboxDispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Trigger is the channel a scheduler task listens on for kicks.
func (d *OutboxDispatcher) Trigger() <-chan struct{} { return d.kick }

// DrainOnce delivers one batch and returns how many rows were dispatched.
// A row that fails stays pending and is retried after a backoff that grows
// with its attempts; rows are never dropped. Later rows of the same stream
// wait behind it so effects keep their order.
func (d *OutboxDispatcher) DrainOnce(ctx context.Context) (int, error) {
	var dispatched, failed int
	err := d.tx.WithTx(ctx, func(ctx context.Context) error {
		dispatched, failed = 0, 0
		now := d.clock.Now()
		events, err := d.outbox.FetchPending(ctx, d.cfg.OutboxBatch, now)
		if err != nil {
			return err
		}
		blocked := map[string]bool{}
		done := make([]uint64, 0, len(events))
		for _, e := range events {
			stream := e.Stream()
			if blocked[stream] {
				continue
			}
			applied, err := d.deliver(ctx, e)
			if applied && err != nil {
				if err := d.outbox.MarkApplied(ctx, e.ID, now); err != nil {
					return err
				}
			}
			if err != nil {
				blocked[stream] = true
				failed++
				retryAt := now.Add(d.backoff(e.Attempts))
				d.log.Warn("outbox delivery failed",
					zap.Uint64("event_id", e.ID), zap.String("kind", string(e.Kind)),
					zap.Int("attempts", e.Attempts+1), zap.Time("retry_at", retryAt), zap.Error(err))
				if err := d.outbox.MarkFailed(ctx, e.ID, err.Error(), retryAt); err != nil {
					return err
				}
				continue
			}
			done = append(done, e.ID)
		}
		dispatched = len(done)
		return d.outbox.MarkDispatched(ctx, done, now)
	})
	if err != nil {
		return 0, fmt.Errorf("outbox drain: %w", err)
	}
	if failed > 0 {
		return dispatched, fmt.Errorf("outbox drain: %d event(s) failed", failed)
	}
	return dispatched, nil
}

// backoff doubles the drain interval per failed attempt up to the cap.
func (d *OutboxDispatcher) backoff(attempts int) time.Duration {
	wait := d.cfg.OutboxInterval
	for i := 0; i < attempts && wait < d.cfg.OutboxMaxBackoff; i++ {
		wait *= 2
	}
	return min(wait, d.cfg.OutboxMaxBackoff)
}

// deliver applies the coordination side effects of e unless an earlier
// attempt already did, then publishes it. applied reports whether this call
// completed the coordination step.
func (d *OutboxDispatcher) deliver(ctx context.Context, e model.OutboxEvent) (applied bool, err error) {
	if !e.Applied {
		if err := d.apply(ctx, e); err != nil {
			return false, err
		}
		applied = true
	}
	if d.pub == nil {
		return applied, nil
	}
	return applied, d.pub.Publish(ctx, string(e.Kind), OutboxMessage{
		EventID: e.ID, Kind: e.Kind, ScheduleID: e.ScheduleID, AggregateID: e.AggregateID, OutboxPayload: e.Payload,
	})
}

// apply updates the seat gate and the change feed. Reservation events have
// no coordination effect.
func (d *OutboxDispatcher) apply(ctx context.Context, e model.OutboxEvent) error {
	now := d.clock.Now()
	p := e.Payload
	switch e.Kind {
	case model.OutboxSeatHeld, model.OutboxSeatHoldRefreshed:
		if p.HoldExpiresAt == nil {
			return fmt.Errorf("event %d: missing hold expiry", e.ID)
		}
		if err := d.gate.ApplyHold(ctx, e.ScheduleID, e.AggregateID, p.UserID, *p.HoldExpiresAt, now); err != nil {
			return err
		}
		if e.Kind == model.OutboxSeatHeld {
			if _, err := d.feed.Record(ctx, e.ScheduleID, e.AggregateID, model.SeatHold, p.UserID, p.OccurredAt); err != nil {
				return err
			}
		}
	case model.OutboxSeatReleased:
		if err := d.gate.ApplyRelease(ctx, e.ScheduleID, e.AggregateID, p.UserID); err != nil {
			return err
		}
		if _, err := d.feed.Record(ctx, e.ScheduleID, e.AggregateID, model.SeatAvailable, p.UserID, p.OccurredAt); err != nil {
			return err
		}
	case model.OutboxSeatSold:
		if err := d.gate.ApplySold(ctx, e.ScheduleID, e.AggregateID); err != nil {
			return err
		}
		if _, err := d.feed.Record(ctx, e.ScheduleID, e.AggregateID, model.SeatSold, p.UserID, p.OccurredAt); err != nil {
			return err
		}
	case model.OutboxReservationPaid, model.OutboxReservationExpired, model.OutboxReservationCancelled:
	default:
		return fmt.Errorf("event %d: unknown kind %q", e.ID, e.Kind)
	}
	return nil
}
