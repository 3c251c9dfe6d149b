package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
)

// HeaderBookingSession carries the booking session id on booking calls.
const HeaderBookingSession = "X-BOOKING-SESSION-ID"

// CtxScheduleID holds the schedule resolved by BookingAccess.
const CtxScheduleID = "schedule_id"

var errBadPathID = apperr.New(apperr.CodeBadRequest, "invalid path id", http.StatusBadRequest)

// AccessChecker decides whether a booking session may act on a schedule.
type AccessChecker interface {
	CheckAccess(ctx context.Context, scheduleID uint64, sessionID string, userID uint64) error
}

// ScheduleResolver maps a reservation of the caller to its schedule.
type ScheduleResolver interface {
	ScheduleOf(ctx context.Context, userID, reservationID uint64) (uint64, error)
}

// BookingAccess admits only callers holding a live booking session in the
// schedule's active set. The schedule comes from :scheduleId, or from the
// reservation named by :reservationId. Must run after JWTAuth.
func BookingAccess(checker AccessChecker, resolver ScheduleResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			uid, ok := UserID(c)
			if !ok {
				return errMissingToken
			}
			ctx := c.Request().Context()

			var sid uint64
			if raw := c.Param("scheduleId"); raw != "" {
				v, err := strconv.ParseUint(raw, 10, 64)
				if err != nil || v == 0 {
					return errBadPathID
				}
				sid = v
			} else {
				rid, err := strconv.ParseUint(c.Param("reservationId"), 10, 64)
				if err != nil || rid == 0 {
					return errBadPathID
				}
				if sid, err = resolver.ScheduleOf(ctx, uid, rid); err != nil {
					return err
				}
			}

			session := strings.TrimSpace(c.Request().Header.Get(HeaderBookingSession))
			if err := checker.CheckAccess(ctx, sid, session, uid); err != nil {
				return err
			}
			c.Set(CtxScheduleID, sid)
			return next(c)
		}
	}
}
