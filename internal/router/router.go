// Package router wires handlers and middleware onto echo routes.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/handler"
)

// RegisterRoutes registers the unauthenticated probes.
func RegisterRoutes(e *echo.Echo, ready map[string]handler.Pinger) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(ready))
}

// RegisterQueue registers the waiting-room endpoints. They are public and
// rate limited per device.
func RegisterQueue(e *echo.Echo, h *handler.QueueHandler, limiter echo.MiddlewareFunc) {
	g := e.Group("/api/v1/queue", limiter)
	g.POST("/join/:scheduleId", h.Join)
	g.GET("/status/:scheduleId/:waitingId", h.Status)
}
