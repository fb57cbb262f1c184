package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

func hasAnyRole(have []string, want ...string) bool {
	for _, required := range want {
		for _, r := range have {
			if r == required || r == RoleAdmin {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireSelfOrRole lets a user reach routes about themselves (the path
// parameter equals their subject) and otherwise requires one of roles.
func RequireSelfOrRole(param string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if sub := UserIDFromContext(ctx); sub != "" && sub == c.Param(param) {
				return next(c)
			}
			if hasAnyRole(RolesFromContext(ctx), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "not permitted for this participant")
		}
	}
}
