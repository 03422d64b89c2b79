package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/hipaa"
)

// AuditContext stamps the request id, caller address and actor role onto the
// request context for audit entries. It must run after authentication.
func AuditContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rid, _ := c.Get("request_id").(string)
			actor := auth.ActorFromContext(req.Context())

			ctx := hipaa.WithRequestMeta(req.Context(), hipaa.RequestMeta{
				ActorRole: string(actor.Role),
				RequestID: rid,
				IPAddress: c.RealIP(),
				UserAgent: req.UserAgent(),
			})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
