package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/middleware"
)

// SessionService manages booking sessions.
type SessionService interface {
	Create(ctx context.Context, userID, scheduleID uint64, waitingToken, deviceID string) (string, error)
	Ping(ctx context.Context, scheduleID uint64, sessionID string) error
	Leave(ctx context.Context, scheduleID uint64, sessionID string) error
}

// SessionHandler exchanges waiting tokens for booking sessions and keeps
// them alive.
type SessionHandler struct {
	svc SessionService
	log *zap.Logger
}

func NewSessionHandler(svc SessionService, log *zap.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, log: log.Named("session-handler")}
}

type createSessionRequest struct {
	ScheduleID   uint64 `json:"scheduleId" validate:"required"`
	WaitingToken string `json:"waitingToken" validate:"required"`
	DeviceID     string `json:"deviceId" validate:"required"`
}

type sessionResponse struct {
	BookingSessionID string `json:"bookingSessionId"`
	ScheduleID       uint64 `json:"scheduleId"`
}

// Create handles POST /api/v1/booking-session/create.
func (h *SessionHandler) Create(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req createSessionRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	id, err := h.svc.Create(c.Request().Context(), uid, req.ScheduleID, req.WaitingToken, req.DeviceID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sessionResponse{BookingSessionID: id, ScheduleID: req.ScheduleID})
}

// Ping handles POST /api/v1/booking-session/ping/:scheduleId.
func (h *SessionHandler) Ping(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	session := strings.TrimSpace(c.Request().Header.Get(middleware.HeaderBookingSession))
	if err := h.svc.Ping(c.Request().Context(), sid, session); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// Leave handles POST /api/v1/booking-session/leave/:scheduleId. It answers
// 200 even when the session was already gone.
func (h *SessionHandler) Leave(c echo.Context) error {
	sid, err := pathID(c, "scheduleId")
	if err != nil {
		return err
	}
	session := strings.TrimSpace(c.Request().Header.Get(middleware.HeaderBookingSession))
	if err := h.svc.Leave(c.Request().Context(), sid, session); err != nil {
		h.log.Warn("leave failed", zap.Uint64("schedule_id", sid), zap.Error(err))
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
