package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

// Permissions checked by the review, maintenance and job routes.
const (
	PermStagingView    = "staging.view"
	PermStagingReview  = "staging.review"
	PermStagingPromote = "staging.promote"
	PermGraphAdmin     = "graph.admin"
	PermIngestCreate   = "ingest.create"
)

func HasPermission(user *AppUser, permission string) bool {
	if user == nil {
		return false
	}
	return slices.Contains(user.Permissions, permission)
}

func HasAnyPermission(user *AppUser, permissions ...string) bool {
	return slices.ContainsFunc(permissions, func(p string) bool { return HasPermission(user, p) })
}

func IsAdmin(user *AppUser) bool {
	return user != nil && user.Role == "admin"
}

func RequirePermission(permission string) echo.MiddlewareFunc {
	return RequireAnyPermission(permission)
}

// RequireAnyPermission rejects requests whose user holds none of the
// permissions.
func RequireAnyPermission(permissions ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			if !HasAnyPermission(user, permissions...) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + permissions[0]})
			}
			return next(c)
		}
	}
}
