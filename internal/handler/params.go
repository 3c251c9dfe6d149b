package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking-core/internal/apperr"
	"github.com/iliyamo/ticket-booking-core/internal/middleware"
)

var errUnauthorized = apperr.New(apperr.CodeUnauthorized, "unauthorized", http.StatusUnauthorized)

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, apperr.BadRequest("invalid " + name)
	}
	return v, nil
}

func userID(c echo.Context) (uint64, error) {
	uid, ok := middleware.UserID(c)
	if !ok {
		return 0, errUnauthorized
	}
	return uid, nil
}

func queryInt(c echo.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.QueryParam(name)); err == nil {
		return v
	}
	return def
}
