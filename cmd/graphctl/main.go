package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/cli"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger/console"
)

func main() {
	util.LoadEnv()
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
