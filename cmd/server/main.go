package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/lifecycle"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger/console"
)

const (
	serverShutdownTimeout = 10 * time.Second
	shutdownTimeout       = 15 * time.Second
)

func main() {
	cfg, err := config.Load()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
	})
	logger.Init(consoleLogger)

	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	lc := lifecycle.New(ctx)

	a := app.New(cfg)
	if err := a.Initialize(lc.Context()); err != nil {
		logger.Fatal("Failed to initialize", "err", err)
	}
	defer a.Close(context.Background())

	auth, err := server.NewAuth(lc.Context(), cfg.Auth)
	if err != nil {
		logger.Fatal("Failed to set up authentication", "err", err)
	}
	e := server.New(a, auth)

	lc.OnStartup("graph indices", a.Promoter.EnsureIndices)
	lc.OnStartup("health check", func(ctx context.Context) error {
		if h := a.Health(ctx); !h.Healthy() {
			logger.Warn("[App] Starting degraded", "components", h.Components)
		}
		return nil
	})
	if err := lc.WaitForStartup(); err != nil {
		logger.Fatal("Startup failed", "err", err)
	}

	lc.OnShutdown("http server", func() {
		if err := server.Shutdown(e, serverShutdownTimeout); err != nil {
			logger.Error("Failed to shutdown server", "err", err)
		}
	})
	server.Start(e, cfg.Port, func(err error) {
		logger.Error("Server stopped", "err", err)
		stop()
	})

	<-lc.Context().Done()
	logger.Info("Shutdown signal received, exiting...")
	if err := lc.Shutdown(shutdownTimeout); err != nil {
		logger.Error("Shutdown incomplete", "err", err)
	}
}
