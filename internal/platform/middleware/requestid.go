package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ctxRequestID is the echo context key the logging and recovery middleware
// read the correlation id from.
const ctxRequestID = "request_id"

// RequestID tags each request with an id for log correlation, honoring an
// inbound X-Request-ID header when present.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(ctxRequestID, rid)
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
			return next(c)
		}
	}
}

// RequestIDFrom returns the id RequestID stored on the context, or "" for
// requests that bypassed it.
func RequestIDFrom(c echo.Context) string {
	rid, _ := c.Get(ctxRequestID).(string)
	return rid
}
