package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/model"
	"github.com/iliyamo/ticket-booking-core/internal/service"
)

// SeatQueryService answers seat map reads.
type SeatQueryService interface {
	SeatMap(ctx context.Context, scheduleID, userID uint64) ([]service.SeatView, error)
	Summary(ctx context.Context, scheduleID uint64) ([]model.BlockSummary, error)
	Changes(ctx context.Context, scheduleID uint64, sinceVersion int64) (model.SeatChanges, error)
}

// SeatHandler serves the seat map, the block summary and the change feed.
type SeatHandler struct {
	svc SeatQueryService
}

func NewSeatHandler(svc SeatQueryService) *SeatHandler { return &SeatHandler{svc: svc} }

// SeatMap handles GET /api/v1/booking/schedule/:scheduleId/seats.
func (h *SeatHandler) SeatMap(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	seats, err := h.svc.SeatMap(c.Request().Context(), sid, uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"scheduleId": sid, "seats": seats})
}

// Summary handles GET /api/v1/booking/schedule/:scheduleId/seats/summary.
func (h *SeatHandler) Summary(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	blocks, err := h.svc.Summary(c.Request().Context(), sid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"scheduleId": sid, "blocks": blocks})
}

// Changes handles GET /api/v1/booking/schedule/:scheduleId/seats/changes?sinceVersion=N.
func (h *SeatHandler) Changes(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	var since int64
	if raw := c.QueryParam("sinceVersion"); raw != "" {
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return apperr.BadRequest("invalid sinceVersion")
		}
	}
	ch, err := h.svc.Changes(c.Request().Context(), sid, since)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ch)
}
