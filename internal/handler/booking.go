package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/service"
)

// ReservationService is the reservation lifecycle used by the booking
// endpoints.
type ReservationService interface {
	Create(ctx context.Context, userID, scheduleID uint64) (model.Reservation, bool, error)
	Get(ctx context.Context, userID, reservationID uint64) (service.ReservationSummary, error)
	ListMine(ctx context.Context, userID uint64, limit, offset int) ([]service.ReservationSummary, error)
	Cancel(ctx context.Context, userID, reservationID uint64) (model.Reservation, error)
	Summarize(r model.Reservation) service.ReservationSummary
}

// HoldService holds and releases seats.
type HoldService interface {
	HoldSeats(ctx context.Context, cmd service.HoldCommand) (service.HoldResult, error)
	ReleaseSeats(ctx context.Context, cmd service.ReleaseCommand) (model.Reservation, error)
}

// BookingHandler serves reservations and seat holds. Schedule-scoped routes
// sit behind BookingAccess.
type BookingHandler struct {
	reservations ReservationService
	holds        HoldService
}

func NewBookingHandler(reservations ReservationService, holds HoldService) *BookingHandler {
	return &BookingHandler{reservations: reservations, holds: holds}
}

type seatsRequest struct {
	SeatIDs []uint64 `json:"performanceSeatIds" validate:"required,min=1,dive,gt=0"`
}

type holdResponse struct {
	service.ReservationSummary
	HeldSeatIDs []uint64 `json:"heldSeatIds"`
}

// CreateReservation handles POST /api/v1/booking/schedule/:scheduleId/reservation.
// A live reservation is returned with 200, a new one with 201.
func (h *BookingHandler) CreateReservation(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	res, created, err := h.reservations.Create(c.Request().Context(), uid, sid)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, h.reservations.Summarize(res))
}

// Hold handles POST /api/v1/booking/reservation/:reservationId/seats/hold.
// A lost seat answers 409 with the conflict list and nothing is held.
func (h *BookingHandler) Hold(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	rid, err := pathID(c, "reservationId")
	if err != nil {
		return err
	}
	var req seatsRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	out, err := h.holds.HoldSeats(c.Request().Context(), service.HoldCommand{ReservationID: rid, UserID: uid, SeatIDs: req.SeatIDs})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, holdResponse{
		ReservationSummary: h.reservations.Summarize(out.Reservation),
		HeldSeatIDs:        out.SeatIDs,
	})
}

// Release handles POST /api/v1/booking/reservation/:reservationId/seats/release.
func (h *BookingHandler) Release(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	rid, err := pathID(c, "reservationId")
	if err != nil {
		return err
	}
	var req seatsRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := h.holds.ReleaseSeats(c.Request().Context(), service.ReleaseCommand{ReservationID: rid, UserID: uid, SeatIDs: req.SeatIDs})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.reservations.Summarize(res))
}

// Get handles GET /api/v1/booking/reservation/:reservationId.
func (h *BookingHandler) Get(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	rid, err := pathID(c, "reservationId")
	if err != nil {
		return err
	}
	sum, err := h.reservations.Get(c.Request().Context(), uid, rid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

// Cancel handles DELETE /api/v1/booking/reservation/:reservationId.
func (h *BookingHandler) Cancel(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	rid, err := pathID(c, "reservationId")
	if err != nil {
		return err
	}
	res, err := h.reservations.Cancel(c.Request().Context(), uid, rid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.reservations.Summarize(res))
}

// ListMine handles GET /api/v1/booking/my-reservations?limit=&offset=.
func (h *BookingHandler) ListMine(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	list, err := h.reservations.ListMine(c.Request().Context(), uid, queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": list})
}
