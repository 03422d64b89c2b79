package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/platform/apperr"
)

// RequestTimeout puts a deadline on the request context. Handlers run on the
// request goroutine; when the deadline has passed by the time they return,
// their result is replaced with a 504. Store work under the expired context
// rolls back, so nothing was committed.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return echo.NewHTTPError(http.StatusGatewayTimeout, apperr.Body{
					Code:    "TIMEOUT",
					Message: "request exceeded " + timeout.String(),
				})
			}
			return err
		}
	}
}
