package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/golang-migrate/migrate/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/migrations"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger/console"
)

func main() {
	var (
		dsn     = flag.String("dsn", "", "Staging database url (default $STAGING_URL)")
		up      = flag.Bool("up", false, "Run all up migrations")
		down    = flag.Bool("down", false, "Run all down migrations")
		steps   = flag.Int("steps", 0, "Number of migrations (positive=up, negative=down)")
		version = flag.Bool("version", false, "Print current migration version")
		force   = flag.Int("force", -1, "Force set version (use with caution)")
	)
	flag.Parse()

	util.LoadEnv()
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	}))

	forceSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "force" {
			forceSet = true
		}
	})

	if *dsn == "" {
		*dsn = util.GetEnv("STAGING_URL")
	}
	if *dsn == "" {
		logger.Fatal("No database url, set -dsn or STAGING_URL")
	}

	m, err := migrations.New(*dsn)
	if err != nil {
		logger.Fatal("Failed to create migrator", "err", err)
	}
	defer m.Close()

	ignoreNoChange := func(err error) error {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return err
	}

	switch {
	case *version:
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			logger.Fatal("Failed to get version", "err", err)
		}
		fmt.Printf("version: %d, dirty: %v\n", v, dirty)
	case forceSet:
		if err := m.Force(*force); err != nil {
			logger.Fatal("Failed to force version", "err", err)
		}
		logger.Info("Forced migration version", "version", *force)
	case *up:
		if err := ignoreNoChange(m.Up()); err != nil {
			logger.Fatal("Failed to run up migrations", "err", err)
		}
		logger.Info("Migrations applied")
	case *down:
		if err := ignoreNoChange(m.Down()); err != nil {
			logger.Fatal("Failed to run down migrations", "err", err)
		}
		logger.Info("Migrations reverted")
	case *steps != 0:
		if err := ignoreNoChange(m.Steps(*steps)); err != nil {
			logger.Fatal("Failed to run migrations", "err", err)
		}
		logger.Info("Applied migration steps", "steps", *steps)
	default:
		fmt.Println("usage: migrate [-dsn <url>] [-up|-down|-steps N|-version|-force N]")
		flag.PrintDefaults()
	}
}
