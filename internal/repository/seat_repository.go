package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// SeatRepo provides data access to the seats table joined with
// price_grades. Every status change bumps seats.version. All timestamps are
// UTC.
type SeatRepo struct {
	db *sql.DB
}

// NewSeatRepo returns a new SeatRepo bound to the provided database.
func NewSeatRepo(db *sql.DB) *SeatRepo { return &SeatRepo{db: db} }

const seatColumns = `SELECT s.id, s.schedule_id, s.price_grade_id, s.floor, s.block, s.seat_row, s.seat_number,
       s.status, s.hold_owner, s.hold_expires_at, s.version, pg.name, pg.price
FROM seats s
LEFT JOIN price_grades pg ON pg.id = s.price_grade_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeat(row rowScanner) (model.Seat, error) {
	var (
		s       model.Seat
		status  string
		owner   sql.NullInt64
		expires sql.NullTime
		grade   sql.NullString
		price   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.ScheduleID, &s.PriceGradeID, &s.Floor, &s.Block, &s.Row, &s.Number,
		&status, &owner, &expires, &s.Version, &grade, &price); err != nil {
		return model.Seat{}, err
	}
	s.Status = model.SeatStatus(status)
	if owner.Valid {
		o := uint64(owner.Int64)
		s.HoldOwner = &o
	}
	if expires.Valid {
		e := expires.Time.UTC()
		s.HoldExpiresAt = &e
	}
	if grade.Valid && price.Valid {
		s.HasGrade = true
		s.GradeName = grade.String
		s.Price = uint32(price.Int64)
	}
	return s, nil
}

func (r *SeatRepo) querySeats(ctx context.Context, q string, args ...any) ([]model.Seat, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seats []model.Seat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}

// GetByIDs returns the seats with the given ids ordered by id. Inside a
// transaction the seat rows are locked FOR UPDATE in that order, which keeps
// row-lock acquisition consistent with the per-seat lock order.
func (r *SeatRepo) GetByIDs(ctx context.Context, ids []uint64) ([]model.Seat, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := seatColumns + ` WHERE s.id IN (` + placeholders(len(ids)) + `) ORDER BY s.id` + lockClause(ctx, "s")
	return r.querySeats(ctx, q, uint64Args(ids)...)
}

// ListBySchedule returns every seat of a schedule in layout order.
func (r *SeatRepo) ListBySchedule(ctx context.Context, scheduleID uint64) ([]model.Seat, error) {
	q := seatColumns + ` WHERE s.schedule_id = ? ORDER BY s.floor, s.block, s.seat_row, s.seat_number`
	return r.querySeats(ctx, q, scheduleID)
}

// FindExpiredHolds returns up to limit HOLD seats whose hold expired at or
// before now, oldest expiry first.
func (r *SeatRepo) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Seat, error) {
	q := seatColumns + ` WHERE s.status = 'HOLD' AND s.hold_expires_at <= ? ORDER BY s.hold_expires_at, s.id LIMIT ?`
	return r.querySeats(ctx, q, now.UTC(), limit)
}

// MarkHeld moves a seat to HOLD for userID until expiresAt.
func (r *SeatRepo) MarkHeld(ctx context.Context, seatID, userID uint64, expiresAt time.Time) error {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE seats SET status = 'HOLD', hold_owner = ?, hold_expires_at = ?, version = version + 1 WHERE id = ?`,
		userID, expiresAt.UTC(), seatID)
	return affectedOne(res, err)
}

// ExtendHolds pushes the expiry of seats still held by userID to expiresAt
// and returns the number of rows touched.
func (r *SeatRepo) ExtendHolds(ctx context.Context, seatIDs []uint64, userID uint64, expiresAt time.Time) (int64, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}
	args := append([]any{expiresAt.UTC(), userID}, uint64Args(seatIDs)...)
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE seats SET hold_expires_at = ? WHERE status = 'HOLD' AND hold_owner = ? AND id IN (`+placeholders(len(seatIDs))+`)`,
		args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkAvailable clears the hold state of the given seats. SOLD seats are
// never reverted.
func (r *SeatRepo) MarkAvailable(ctx context.Context, seatIDs []uint64) error {
	if len(seatIDs) == 0 {
		return nil
	}
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE seats SET status = 'AVAILABLE', hold_owner = NULL, hold_expires_at = NULL, version = version + 1
		 WHERE status <> 'SOLD' AND id IN (`+placeholders(len(seatIDs))+`)`,
		uint64Args(seatIDs)...)
	return err
}

// MarkSold moves held seats to SOLD and clears their hold fields.
func (r *SeatRepo) MarkSold(ctx context.Context, seatIDs []uint64) error {
	if len(seatIDs) == 0 {
		return nil
	}
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE seats SET status = 'SOLD', hold_owner = NULL, hold_expires_at = NULL, version = version + 1
		 WHERE id IN (`+placeholders(len(seatIDs))+`)`,
		uint64Args(seatIDs)...)
	return err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
