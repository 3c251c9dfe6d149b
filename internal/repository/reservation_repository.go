package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// ReservationRepo provides access to the reservations table. Reservations
// are never deleted; terminal rows stay for history.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `SELECT id, user_id, schedule_id, status, expires_at, total_amount, payment_ref, created_at, updated_at FROM reservations`

func scanReservation(row rowScanner) (model.Reservation, error) {
	var (
		res     model.Reservation
		status  string
		expires sql.NullTime
		ref     sql.NullString
	)
	if err := row.Scan(&res.ID, &res.UserID, &res.ScheduleID, &status, &expires, &res.TotalAmount, &ref,
		&res.CreatedAt, &res.UpdatedAt); err != nil {
		return model.Reservation{}, err
	}
	res.Status = model.ReservationStatus(status)
	if expires.Valid {
		e := expires.Time.UTC()
		res.ExpiresAt = &e
	}
	if ref.Valid {
		r := ref.String
		res.PaymentRef = &r
	}
	return res, nil
}

// Create inserts a reservation and fills in its generated id and timestamps.
func (r *ReservationRepo) Create(ctx context.Context, res *model.Reservation) error {
	q := conn(ctx, r.db)
	result, err := q.ExecContext(ctx,
		`INSERT INTO reservations (user_id, schedule_id, status, expires_at, total_amount) VALUES (?, ?, ?, ?, ?)`,
		res.UserID, res.ScheduleID, string(res.Status), nullTime(res.ExpiresAt), res.TotalAmount)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	created, err := scanReservation(q.QueryRowContext(ctx, reservationColumns+` WHERE id = ?`, id))
	if err != nil {
		return err
	}
	*res = created
	return nil
}

// GetByID loads one reservation. Inside a transaction the row is locked.
func (r *ReservationRepo) GetByID(ctx context.Context, id uint64) (model.Reservation, error) {
	res, err := scanReservation(conn(ctx, r.db).QueryRowContext(ctx,
		reservationColumns+` WHERE id = ?`+lockClause(ctx, ""), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, ErrNotFound
	}
	return res, err
}

// FindLive returns the buyer's newest PENDING or HOLD reservation for a
// schedule.
func (r *ReservationRepo) FindLive(ctx context.Context, userID, scheduleID uint64) (model.Reservation, bool, error) {
	res, err := scanReservation(conn(ctx, r.db).QueryRowContext(ctx,
		reservationColumns+` WHERE user_id = ? AND schedule_id = ? AND status IN ('PENDING','HOLD') ORDER BY id DESC LIMIT 1`+lockClause(ctx, ""),
		userID, scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, false, nil
	}
	if err != nil {
		return model.Reservation{}, false, err
	}
	return res, true, nil
}

// UpdateState persists status, expiry, amount and payment reference. A write
// that leaves the row unchanged still succeeds; only a missing row is
// ErrNotFound.
func (r *ReservationRepo) UpdateState(ctx context.Context, res model.Reservation) error {
	q := conn(ctx, r.db)
	result, err := q.ExecContext(ctx,
		`UPDATE reservations SET status = ?, expires_at = ?, total_amount = ?, payment_ref = ? WHERE id = ?`,
		string(res.Status), nullTime(res.ExpiresAt), res.TotalAmount, nullString(res.PaymentRef), res.ID)
	if err := affectedOne(result, err); !errors.Is(err, ErrNotFound) {
		return err
	}
	// 0 rows is also what MySQL reports for an unchanged row when the
	// connection does not count found rows.
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM reservations WHERE id = ?`, res.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ListByUser pages through a buyer's reservations, newest first.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Reservation, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		reservationColumns+` WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// FindExpiredHolds returns ids of HOLD reservations whose expiry passed.
func (r *ReservationRepo) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id FROM reservations WHERE status = 'HOLD' AND expires_at <= ? ORDER BY expires_at, id LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
