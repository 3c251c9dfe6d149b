package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// OutboxRepo stores side-effect intents next to the rows they describe.
type OutboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// Enqueue inserts the events in the caller's transaction.
func (r *OutboxRepo) Enqueue(ctx context.Context, events ...model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO outbox_events (kind, schedule_id, aggregate_id, stream, payload, next_attempt_at) VALUES `)
	args := make([]any, 0, len(events)*6)
	for i, e := range events {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?)")
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		due := e.Payload.OccurredAt
		if due.IsZero() {
			due = time.Now()
		}
		args = append(args, string(e.Kind), e.ScheduleID, e.AggregateID, e.Stream(), payload, due.UTC())
	}
	_, err := conn(ctx, r.db).ExecContext(ctx, b.String(), args...)
	return err
}

// FetchPending returns up to limit undelivered events that are due at now,
// in insertion order. An event whose stream has an earlier row still backing
// off is left out so a stream never overtakes itself. Rows locked by another
// dispatcher inside a transaction are skipped.
func (r *OutboxRepo) FetchPending(ctx context.Context, limit int, now time.Time) ([]model.OutboxEvent, error) {
	q := `SELECT o.id, o.kind, o.schedule_id, o.aggregate_id, o.payload, o.attempts, o.applied_at IS NOT NULL, o.created_at
	      FROM outbox_events o
	      WHERE o.status = 'PENDING' AND o.next_attempt_at <= ?
	        AND NOT EXISTS (
	            SELECT 1 FROM outbox_events p
	            WHERE p.stream = o.stream AND p.status = 'PENDING' AND p.id < o.id AND p.next_attempt_at > ?)
	      ORDER BY o.id LIMIT ?`
	if lockClause(ctx, "") != "" {
		q += " FOR UPDATE OF o SKIP LOCKED"
	}
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		var (
			e       model.OutboxEvent
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.ScheduleID, &e.AggregateID, &payload, &e.Attempts, &e.Applied, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.OutboxKind(kind)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDispatched flags events as delivered.
func (r *OutboxRepo) MarkDispatched(ctx context.Context, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{at.UTC()}, uint64Args(ids)...)
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE outbox_events SET status = 'DISPATCHED', dispatched_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// MarkApplied records that the coordination side effects of an event are
// done, so a retry only publishes.
func (r *OutboxRepo) MarkApplied(ctx context.Context, id uint64, at time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE outbox_events SET applied_at = ? WHERE id = ? AND applied_at IS NULL`, at.UTC(), id)
	return err
}

// MarkFailed records a failed delivery attempt. The row stays PENDING and is
// not fetched again before retryAt.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id uint64, reason string, retryAt time.Time) error {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		reason, retryAt.UTC(), id)
	return err
}
