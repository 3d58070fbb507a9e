// Package apptest builds an initialized App on in-memory stores.
package apptest

import (
	"context"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/aitest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	graphmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/memory"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/index"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/leaselock"
	stagingmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/memory"
)

// Config returns a valid configuration for in-memory apps.
func Config() config.Config {
	return config.Config{
		Port:   "0",
		APIURL: "http://graph.test",
		LLM: config.LLM{
			Adapter:     config.AdapterOpenAI,
			Model:       "test-model",
			Timeout:     time.Second,
			MaxRetries:  1,
			WindowChars: 50000,
		},
		Staging: config.Staging{Timeout: time.Second, MaxRetries: 1},
		Pipeline: config.Pipeline{
			MaxConcurrentDocuments: 2,
			Chunking:               chunker.DefaultConfig(),
			AutoPromote:            approval.AutoPromoteOff,
			DedupeSimilarity:       0.92,
		},
		Queue: config.Queue{Name: "ingest_queue"},
		Auth:  config.Auth{Disabled: true},
	}
}

// New initializes an App with the fake client and fresh in-memory stores.
// opts may replace any component. The App is closed when the test ends.
func New(t *testing.T, fake *aitest.Fake, cfg config.Config, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithAI(fake),
		app.WithGraph(graphmemory.New()),
		app.WithStaging(stagingmemory.New()),
		app.WithIndex(index.NewMemory(fake)),
		app.WithLocker(leaselock.NewLocal()),
	}
	a := app.New(cfg, append(base, opts...)...)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("expected app to initialize, got %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}
