package service

import (
	"fmt"
	"net/http"
	"time"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/model"
)

// Queue and session errors.
var (
	ErrDeviceIDRequired    = apperr.New("DEVICE_ID_REQUIRED", "device id is required", http.StatusBadRequest)
	ErrInvalidWaitingToken = apperr.New("INVALID_WAITING_TOKEN", "waiting token is invalid or expired", http.StatusBadRequest)
	ErrScheduleMismatch    = apperr.New("SCHEDULE_MISMATCH", "waiting token was issued for another schedule", http.StatusBadRequest)
	ErrQSIDExpired         = apperr.New("QSID_EXPIRED", "queue entry expired", http.StatusBadRequest)
	ErrDeviceIDMismatch    = apperr.New("DEVICE_ID_MISMATCH", "device does not match the queue entry", http.StatusBadRequest)
	ErrDeviceAlreadyUsed   = apperr.New("DEVICE_ALREADY_USED", "device is already used by another booking session", http.StatusConflict)
	ErrWaitingTokenInUse   = apperr.New("WAITING_TOKEN_IN_USE", "waiting token is being redeemed", http.StatusConflict)

	ErrBookingSessionExpired   = apperr.New("BOOKING_SESSION_EXPIRED", "booking session expired", http.StatusBadRequest)
	ErrNotInActive             = apperr.New("NOT_IN_ACTIVE", "booking session is not active", http.StatusNotFound)
	ErrInvalidBookingSession   = apperr.New("INVALID_BOOKING_SESSION", "booking session id is missing or invalid", http.StatusBadRequest)
	ErrSessionScheduleMismatch = apperr.New("BOOKING_SESSION_SCHEDULE_MISMATCH", "booking session belongs to another schedule", http.StatusBadRequest)
	ErrQueueNotPassed          = apperr.New("QUEUE_NOT_PASSED", "queue not passed", http.StatusTooManyRequests)
)

// Reservation and seat errors.
var (
	ErrReservationNotFound       = apperr.New("RESERVATION_NOT_FOUND", "reservation not found", http.StatusNotFound)
	ErrSeatNotFound              = apperr.New("SEAT_NOT_FOUND", "seat not found", http.StatusNotFound)
	ErrPriceGradeNotFound        = apperr.New("PRICE_GRADE_NOT_FOUND", "price grade not found", http.StatusNotFound)
	ErrReservationForbidden      = apperr.New("RESERVATION_FORBIDDEN", "reservation belongs to another user", http.StatusForbidden)
	ErrReservationAlreadyPaid    = apperr.New("RESERVATION_ALREADY_PAID", "reservation is already paid", http.StatusBadRequest)
	ErrReservationClosed         = apperr.New("RESERVATION_CLOSED", "reservation is closed", http.StatusBadRequest)
	ErrReservationExpired        = apperr.New("RESERVATION_EXPIRED", "reservation expired", http.StatusBadRequest)
	ErrReservationNotCancellable = apperr.New("RESERVATION_NOT_CANCELLABLE", "reservation cannot be cancelled", http.StatusBadRequest)
	ErrReservationNotHeld        = apperr.New("RESERVATION_NOT_HELD", "reservation has no held seats", http.StatusBadRequest)
	ErrSeatHoldLost              = apperr.New("SEAT_HOLD_LOST", "a seat of the reservation is no longer held", http.StatusConflict)
	ErrInvalidSeatSelection      = apperr.New("INVALID_SEAT_SELECTION", "invalid seat selection", http.StatusBadRequest)
	ErrReservationChanged        = apperr.New("RESERVATION_CHANGED", "reservation seats changed, retry", http.StatusConflict)
)

// ConflictReason explains why one seat of a batch could not be held.
type ConflictReason string

const (
	ReasonAlreadyHeld           ConflictReason = "ALREADY_HELD"
	ReasonAlreadySold           ConflictReason = "ALREADY_SOLD"
	ReasonLockAcquisitionFailed ConflictReason = "LOCK_ACQUISITION_FAILED"
)

// statusUnknown is reported when a seat could not be inspected because its
// lock was taken.
const statusUnknown model.SeatStatus = "UNKNOWN"

// SeatConflict is one entry of a 409 conflict list.
type SeatConflict struct {
	SeatID        uint64           `json:"performanceSeatId"`
	CurrentStatus model.SeatStatus `json:"currentStatus"`
	Reason        ConflictReason   `json:"reason"`
}

// ConflictError fails a whole hold batch. Nothing of the batch stays held.
type ConflictError struct {
	ReservationID uint64
	Conflicts     []SeatConflict
	At            time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seat conflict on reservation %d: %d seat(s)", e.ReservationID, len(e.Conflicts))
}
