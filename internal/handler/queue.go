package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/middleware"
	"github.com/iliyamo/ticket-booking-core/internal/service"
)

// QueueService is the waiting room as the queue endpoints see it.
type QueueService interface {
	Join(ctx context.Context, scheduleID uint64, deviceID string) (service.QueueTicket, error)
	Status(ctx context.Context, scheduleID uint64, waitingID string) (service.QueueTicket, error)
}

// QueueHandler serves the public waiting-room endpoints.
type QueueHandler struct {
	svc QueueService
}

func NewQueueHandler(svc QueueService) *QueueHandler { return &QueueHandler{svc: svc} }

// Join handles POST /api/v1/queue/join/:scheduleId. The device is read from
// the X-Device-Id header.
func (h *QueueHandler) Join(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	t, err := h.svc.Join(c.Request().Context(), sid, c.Request().Header.Get(middleware.HeaderDeviceID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// Status handles GET /api/v1/queue/status/:scheduleId/:waitingId.
func (h *QueueHandler) Status(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	t, err := h.svc.Status(c.Request().Context(), sid, c.Param("waitingId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}
