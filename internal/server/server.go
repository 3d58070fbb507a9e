// Package server exposes ingestion, chat, staging review and graph
// maintenance over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
	mid "github.com/kihiu-ho/llm-entity-graph-sub001/internal/server/middleware"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// NewAuth builds request authentication from cfg. JWT signing keys are
// fetched from <AUTH_URL>/jwks and refreshed until ctx ends.
func NewAuth(ctx context.Context, cfg config.Auth) (*mid.Auth, error) {
	auth := &mid.Auth{MasterAPIKey: cfg.MasterAPIKey, Disabled: cfg.Disabled}
	if cfg.Disabled || cfg.URL == "" {
		return auth, nil
	}
	jwksURL := strings.TrimSuffix(cfg.URL, "/") + "/jwks"
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to load jwks keys from %s: %w", jwksURL, err)
	}
	auth.Key = k
	return auth, nil
}

// New builds the echo instance serving a.
func New(a *app.App, auth *mid.Auth) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(a, auth))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("512M"))

	RegisterRoutes(e)
	return e
}

// Start serves on port in the background. onStop is called when the
// server stops on its own.
func Start(e *echo.Echo, port string, onStop func(err error)) {
	go func() {
		logger.Info("[Server] Starting server", "port", port)
		err := e.Start(":" + port)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		onStop(err)
	}()
}

// Shutdown stops accepting requests and waits up to timeout for the
// running ones.
func Shutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
