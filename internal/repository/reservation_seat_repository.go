package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// ReservationSeatRepo manages the reservation_seats join lines. A line
// exists exactly while its seat is held or sold under the reservation.
type ReservationSeatRepo struct {
	db *sql.DB
}

func NewReservationSeatRepo(db *sql.DB) *ReservationSeatRepo { return &ReservationSeatRepo{db: db} }

// Add inserts one line. A duplicate (reservation, seat) pair yields ErrConflict.
func (r *ReservationSeatRepo) Add(ctx context.Context, line model.ReservationSeat) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO reservation_seats (reservation_id, seat_id, price) VALUES (?, ?, ?)`,
		line.ReservationID, line.SeatID, line.Price)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return ErrConflict
	}
	return err
}

// ListByReservation returns the lines of a reservation ordered by seat id.
func (r *ReservationSeatRepo) ListByReservation(ctx context.Context, reservationID uint64) ([]model.ReservationSeat, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id, reservation_id, seat_id, price, created_at FROM reservation_seats WHERE reservation_id = ? ORDER BY seat_id`,
		reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ReservationSeat
	for rows.Next() {
		var l model.ReservationSeat
		if err := rows.Scan(&l.ID, &l.ReservationID, &l.SeatID, &l.Price, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReservationIDsBySeat returns the reservations that currently reference a seat.
func (r *ReservationSeatRepo) ReservationIDsBySeat(ctx context.Context, seatID uint64) ([]uint64, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT reservation_id FROM reservation_seats WHERE seat_id = ? ORDER BY reservation_id`, seatID)
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

// DeleteSeats removes the given seats from a reservation.
func (r *ReservationSeatRepo) DeleteSeats(ctx context.Context, reservationID uint64, seatIDs []uint64) error {
	if len(seatIDs) == 0 {
		return nil
	}
	args := append([]any{reservationID}, uint64Args(seatIDs)...)
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM reservation_seats WHERE reservation_id = ? AND seat_id IN (`+placeholders(len(seatIDs))+`)`, args...)
	return err
}

// DeleteBySeat detaches a seat from every reservation.
func (r *ReservationSeatRepo) DeleteBySeat(ctx context.Context, seatID uint64) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM reservation_seats WHERE seat_id = ?`, seatID)
	return err
}

// SumPrice returns the total of a reservation's line prices.
func (r *ReservationSeatRepo) SumPrice(ctx context.Context, reservationID uint64) (uint32, error) {
	var total sql.NullInt64
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT SUM(price) FROM reservation_seats WHERE reservation_id = ?`, reservationID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return uint32(total.Int64), nil
}
