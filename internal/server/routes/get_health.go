package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandler reports the state of the LLM provider and both stores.
// A degraded service answers 503 with the same body.
func HealthHandler(c echo.Context) error {
	h := appOf(c).Health(c.Request().Context())
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}
