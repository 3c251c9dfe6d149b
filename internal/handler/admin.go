package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/scheduler"
)

// SchedulerMetrics exposes the background task history.
type SchedulerMetrics interface {
	Metrics() []scheduler.Metrics
}

// Admitter runs one admission pass for a schedule.
type Admitter interface {
	AdmitIfCapacity(ctx context.Context, scheduleID uint64, maxActive int) (int, error)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	runner    SchedulerMetrics
	admitter  Admitter
	maxActive int
}

func NewAdminHandler(runner SchedulerMetrics, admitter Admitter, maxActive int) *AdminHandler {
	return &AdminHandler{runner: runner, admitter: admitter, maxActive: maxActive}
}

// Schedulers handles GET /api/v1/admin/schedulers.
func (h *AdminHandler) Schedulers(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"tasks": h.runner.Metrics()})
}

// Admit handles POST /api/v1/admin/queue/:scheduleId/admit.
func (h *AdminHandler) Admit(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	n, err := h.admitter.AdmitIfCapacity(c.Request().Context(), sid, h.maxActive)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"scheduleId": sid, "admitted": n})
}
