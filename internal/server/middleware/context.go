package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
)

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
}

// AppContext carries the service container and the authenticated user
// through a request.
type AppContext struct {
	echo.Context
	App  *app.App
	Auth *Auth
	User *AppUser
}

func AppContextMiddleware(a *app.App, auth *Auth) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, a, auth, nil}
			return next(cc)
		}
	}
}
