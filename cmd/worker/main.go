package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/queue"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger/console"
)

func main() {
	cfg, err := config.Load()

	// logger
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
	if !cfg.Queue.Enabled() || !cfg.Storage.Enabled() {
		logger.Fatal("The worker needs RABBITMQ_HOST and AWS_BUCKET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	if err := a.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize", "err", err)
	}
	defer a.Close(context.Background())

	// Dedicated consumer channel with prefetch=1
	consumerCh, err := a.QueueConnection().Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	consumer := queue.NewConsumer(consumerCh, cfg.Queue.Name, func(ctx context.Context, body []byte) error {
		job, err := queue.DecodeJob(body)
		if err != nil {
			return err
		}
		logger.Info("[Worker] Received job", "job_id", job.JobID, "files", len(job.Files))
		return a.RunJob(ctx, job)
	}, queue.DefaultMaxRetries)

	consumer.AfterMessage = func(took time.Duration) {
		metrics := a.AI.GetMetrics()
		logger.Info(
			"[Worker] AI Metrics",
			"requests", metrics.Requests,
			"input_tokens", metrics.InputTokens,
			"output_tokens", metrics.OutputTokens,
			"total_tokens", metrics.TotalTokens,
			"duration", clock(time.Duration(metrics.DurationMs)*time.Millisecond),
		)
		logger.Info("[Worker] Processing time", "duration", clock(took))
		logger.Info("[Worker] Waiting for next message")
		a.AI.ResetMetrics()
	}

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Consumer stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}

// clock formats d as hh:mm:ss.
func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
