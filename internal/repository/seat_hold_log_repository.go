package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// SeatHoldLogRepo appends audit rows. Rows are never updated.
type SeatHoldLogRepo struct {
	db *sql.DB
}

func NewSeatHoldLogRepo(db *sql.DB) *SeatHoldLogRepo { return &SeatHoldLogRepo{db: db} }

// Append writes all logs in one multi-row INSERT. An empty call is a no-op.
func (r *SeatHoldLogRepo) Append(ctx context.Context, logs ...model.SeatHoldLog) error {
	if len(logs) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO seat_hold_logs (seat_id, user_id, reservation_id, outcome, hold_started_at, hold_expires_at, released_at, is_expired) VALUES `)
	args := make([]any, 0, len(logs)*8)
	for i, l := range logs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		var resID any
		if l.ReservationID != 0 {
			resID = l.ReservationID
		}
		args = append(args, l.SeatID, l.UserID, resID, string(l.Outcome),
			l.HoldStartedAt.UTC(), l.HoldExpiresAt.UTC(), nullTime(l.ReleasedAt), l.IsExpired)
	}
	_, err := conn(ctx, r.db).ExecContext(ctx, b.String(), args...)
	return err
}
