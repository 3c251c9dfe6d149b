package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/handler"
	"github.com/iliyamo/ticket-booking-core/internal/middleware"
)

// BookingDeps bundles what the authenticated booking routes need.
type BookingDeps struct {
	JWTSecret    string
	Sessions     *handler.SessionHandler
	Booking      *handler.BookingHandler
	Seats        *handler.SeatHandler
	Access       middleware.AccessChecker
	Resolver     middleware.ScheduleResolver
	SummaryCache echo.MiddlewareFunc
}

// RegisterBooking registers booking sessions, reservations, holds and seat
// reads. Routes acting on one schedule also pass the booking access check.
func RegisterBooking(e *echo.Echo, d BookingDeps) {
	auth := middleware.JWTAuth(d.JWTSecret)
	access := middleware.BookingAccess(d.Access, d.Resolver)

	s := e.Group("/api/v1/booking-session", auth)
	s.POST("/create", d.Sessions.Create)
	s.POST("/ping/:scheduleId", d.Sessions.Ping)
	s.POST("/leave/:scheduleId", d.Sessions.Leave)

	b := e.Group("/api/v1/booking", auth)
	b.POST("/schedule/:scheduleId/reservation", d.Booking.CreateReservation, access)
	b.POST("/reservation/:reservationId/seats/hold", d.Booking.Hold, access)
	b.POST("/reservation/:reservationId/seats/release", d.Booking.Release, access)
	b.GET("/reservation/:reservationId", d.Booking.Get)
	b.DELETE("/reservation/:reservationId", d.Booking.Cancel)
	b.GET("/my-reservations", d.Booking.ListMine)

	b.GET("/schedule/:scheduleId/seats", d.Seats.SeatMap, access)
	b.GET("/schedule/:scheduleId/seats/summary", d.Seats.Summary, access, d.SummaryCache)
	b.GET("/schedule/:scheduleId/seats/changes", d.Seats.Changes, access)
}

// RegisterAdmin registers the operator endpoints, ADMIN role only.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/api/v1/admin", middleware.JWTAuth(jwtSecret), middleware.RequireRole("ADMIN"))
	g.GET("/schedulers", h.Schedulers)
	g.POST("/queue/:scheduleId/admit", h.Admit)
}
