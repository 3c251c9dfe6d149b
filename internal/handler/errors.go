package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/service"
)

type errorDetail struct {
	Code    string `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// conflictBody is the 409 answer to a hold batch that lost a seat.
type conflictBody struct {
	ReservationID   uint64                 `json:"reservationId"`
	RefreshRequired bool                   `json:"refreshRequired"`
	Conflicts       []service.SeatConflict `json:"conflicts"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// HTTPErrorHandler renders every error returned by handlers and middleware
// as {"error": {"code", "status", "message"}}. Seat conflicts get their own
// body. Causes of 5xx errors are logged, never sent.
func HTTPErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var ce *service.ConflictError
		if errors.As(err, &ce) {
			_ = c.JSON(http.StatusConflict, conflictBody{
				ReservationID:   ce.ReservationID,
				RefreshRequired: true,
				Conflicts:       ce.Conflicts,
				UpdatedAt:       ce.At,
			})
			return
		}

		ae := toAppError(err)
		if ae.HTTPStatus >= 500 {
			log.Error("request failed",
				zap.String("method", c.Request().Method), zap.String("path", c.Path()), zap.Error(err))
		}
		body := errorBody{Error: errorDetail{Code: ae.Code, Status: ae.HTTPStatus, Message: ae.Message}}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(ae.HTTPStatus)
			return
		}
		_ = c.JSON(ae.HTTPStatus, body)
	}
}

func toAppError(err error) *apperr.AppError {
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		return ae
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return apperr.New(codeForStatus(he.Code), msg, he.Code)
	}
	return apperr.Internal("internal server error", err)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return apperr.CodeBadRequest
	case http.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case http.StatusForbidden:
		return apperr.CodeForbidden
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusConflict:
		return apperr.CodeConflict
	case http.StatusTooManyRequests:
		return "TOO_MANY_REQUESTS"
	}
	if status >= 500 {
		return apperr.CodeInternal
	}
	return apperr.CodeBadRequest
}
