package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Permission names an operation class guarded at the route level.
type Permission string

const (
	PermVisitCreate     Permission = "visit:create"
	PermVisitRead       Permission = "visit:read"
	PermVisitTransition Permission = "visit:transition"
	PermVisitStats      Permission = "visit:stats"
	PermCarePlanRead    Permission = "careplan:read"
	PermCarePlanManage  Permission = "careplan:manage"
	PermUserRead        Permission = "user:read"
	PermUserManage      Permission = "user:manage"
	PermAuditRead       Permission = "audit:read"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermVisitCreate, PermVisitRead, PermVisitTransition, PermVisitStats,
		PermCarePlanRead, PermCarePlanManage, PermUserRead, PermUserManage, PermAuditRead,
	},
	RoleSupervisor: {
		PermVisitCreate, PermVisitRead, PermVisitTransition, PermVisitStats,
		PermCarePlanRead, PermCarePlanManage, PermUserRead, PermAuditRead,
	},
	RoleWorker: {
		PermVisitRead, PermVisitTransition, PermVisitStats, PermCarePlanRead, PermUserRead,
	},
	RoleClient: {
		PermVisitRead, PermVisitTransition, PermCarePlanRead,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// RequireRole rejects callers whose role is not one of roles. ADMIN always
// passes.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			if actor.Role == RoleAdmin {
				return next(c)
			}
			for _, r := range roles {
				if actor.Role == r {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// RequirePermission rejects callers whose role does not grant perm.
func RequirePermission(perm Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			if !HasPermission(actor.Role, perm) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("required permission: %s", perm))
			}
			return next(c)
		}
	}
}
