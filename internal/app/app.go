// Package app wires the configured stores, LLM client and pipeline
// components into one service container.
//
// An App moves through new → ready → closed: Initialize connects every
// backend and builds the components, Close releases them. Components
// passed as options are used as they are and never closed by the App.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rabbitmq/amqp091-go"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/queue"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/storage"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/migrations"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	oai "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/ollama"
	gai "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/openai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/canon"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/extract"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/neo4j"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/index"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/leaselock"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader/csv"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader/doc"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader/pdf"
	loaders3 "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader/s3"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader/web"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/promote"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/query"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
	stagingpgx "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/pgx"
)

// State is the lifecycle state of an App.
type State string

const (
	StateNew    State = "new"
	StateReady  State = "ready"
	StateClosed State = "closed"
)

// App holds every component of the service. Fields are set by Initialize
// and must not be replaced afterwards.
type App struct {
	Config config.Config

	AI        ai.GraphAIClient
	Graph     graphstore.Store
	Staging   staging.Store
	Index     index.Index
	Locker    leaselock.Locker
	Promoter  *promote.Promoter
	Approval  *approval.Service
	Extractor *extract.Extractor
	Pipeline  *pipeline.Pipeline
	Query     *query.Surface
	Sessions  *query.Sessions
	Loader    *loader.Loader

	// Archive, Documents and Jobs are nil unless S3 and RabbitMQ are
	// configured. Documents reads archived uploads for queued jobs.
	Archive   *storage.Archive
	Documents *loader.CachedSource
	Jobs      queue.Publisher

	mu      sync.Mutex
	state   State
	pool    *pgxpool.Pool
	amqp    *amqp091.Connection
	owned   []func(ctx context.Context)
	started time.Time
}

// Option supplies a prebuilt component.
type Option func(*App)

func WithAI(client ai.GraphAIClient) Option { return func(a *App) { a.AI = client } }
func WithGraph(store graphstore.Store) Option { return func(a *App) { a.Graph = store } }
func WithStaging(store staging.Store) Option { return func(a *App) { a.Staging = store } }
func WithIndex(idx index.Index) Option { return func(a *App) { a.Index = idx } }
func WithLocker(locker leaselock.Locker) Option { return func(a *App) { a.Locker = locker } }
func WithArchive(archive *storage.Archive) Option { return func(a *App) { a.Archive = archive } }
func WithJobs(pub queue.Publisher) Option { return func(a *App) { a.Jobs = pub } }

// WithDocuments sets the source queued jobs read archived uploads from.
func WithDocuments(src loader.Source) Option {
	return func(a *App) { a.Documents = loader.NewCachedSource(src) }
}

// New creates an App in state new.
func New(cfg config.Config, opts ...Option) *App {
	a := &App{Config: cfg, state: StateNew}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current lifecycle state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize connects the backends and builds the components. It may be
// called once; on failure everything opened so far is released and the
// App is closed.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateNew {
		return common.NewError(common.InvalidTransition, "initialize app in state %s", a.state)
	}
	if err := a.initialize(ctx); err != nil {
		a.release(context.Background())
		a.state = StateClosed
		return err
	}
	a.state = StateReady
	a.started = time.Now()
	logger.Info("[App] Ready", "adapter", a.Config.LLM.Adapter, "auto_promote", a.Config.Pipeline.AutoPromote)
	return nil
}

func (a *App) initialize(ctx context.Context) error {
	cfg := a.Config

	if a.Staging == nil || a.Locker == nil || a.Index == nil {
		if cfg.MigrateOnStart {
			logger.Info("[App] Applying migrations")
			if err := migrations.Up(cfg.Staging.URL); err != nil {
				return common.WrapError(common.StoreUnavailable, err, "migrations")
			}
		}
		pool, err := a.connectPool(ctx)
		if err != nil {
			return err
		}
		a.pool = pool
		a.own(func(context.Context) { pool.Close() })
	}

	if a.AI == nil {
		client, err := newAIClient(cfg.LLM)
		if err != nil {
			return err
		}
		a.AI = client
	}
	if a.Staging == nil {
		a.Staging = stagingpgx.NewWithConnection(a.pool,
			stagingpgx.WithTimeout(cfg.Staging.Timeout),
			stagingpgx.WithRetry(cfg.Staging.MaxRetries, util.DefaultBackoff),
		)
	}
	if a.Graph == nil {
		graph, err := neo4j.New(ctx, neo4j.Config{
			URI:      cfg.Graph.URI,
			User:     cfg.Graph.User,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
			Timeout:  cfg.Graph.Timeout,
		})
		if err != nil {
			return err
		}
		a.Graph = graph
		a.own(func(ctx context.Context) {
			if err := graph.Close(ctx); err != nil {
				logger.Warn("[App] Failed to close graph driver", "err", err)
			}
		})
	}
	if a.Index == nil {
		var embedder index.Embedder
		if cfg.LLM.EmbedModel != "" {
			embedder = a.AI
		}
		a.Index = index.NewPostgres(a.pool, embedder, cfg.Staging.Timeout)
	}
	if a.Locker == nil {
		a.Locker = leaselock.New(a.pool)
	}

	allowlist := canon.NewAllowlist()
	if cfg.Pipeline.KnownPersonsFile != "" {
		loaded, err := canon.LoadAllowlist(cfg.Pipeline.KnownPersonsFile)
		if err != nil {
			return common.WrapError(common.InvalidConfig, err, "known persons file")
		}
		allowlist = loaded
	}
	canonicalizer := canon.New(canon.Config{Threshold: cfg.Pipeline.DedupeSimilarity, Allowlist: allowlist})

	a.Promoter = promote.New(promote.Params{
		Staging:  a.Staging,
		Graph:    a.Graph,
		Locker:   a.Locker,
		Index:    a.Index,
		MaxTries: cfg.Staging.MaxRetries,
		Backoff:  util.DefaultBackoff,
	})
	a.Approval = approval.New(approval.Params{
		Staging:           a.Staging,
		Promoter:          a.Promoter,
		AutoPromote:       cfg.Pipeline.AutoPromote,
		AutoCreateSession: cfg.Pipeline.AutoCreateSession,
	})
	a.Extractor = extract.New(extract.Params{
		Client:        a.AI,
		Canonicalizer: canonicalizer,
		MaxTries:      cfg.LLM.MaxRetries,
		Backoff:       util.DefaultBackoff,
	})

	extraction := extract.DefaultOptions()
	extraction.WindowChars = cfg.LLM.WindowChars
	p, err := pipeline.New(pipeline.Params{
		Extractor:              a.Extractor,
		Staging:                a.Staging,
		Graph:                  a.Graph,
		Index:                  a.Index,
		Approval:               a.Approval,
		Chunking:               cfg.Pipeline.Chunking,
		Extraction:             extraction,
		AutoPromote:            cfg.Pipeline.AutoPromote,
		ChunkerOptions:         []chunker.Option{chunker.WithTokenCounter(chunker.EstimateTokens)},
		MaxConcurrentDocuments: cfg.Pipeline.MaxConcurrentDocuments,
	})
	if err != nil {
		return err
	}
	a.Pipeline = p

	a.Query = query.New(query.Params{
		Graph:      a.Graph,
		Index:      a.Index,
		Client:     a.AI,
		Similarity: cfg.Pipeline.DedupeSimilarity,
		Model:      cfg.LLM.Model,
	})
	a.Sessions = query.NewSessions(30*time.Minute, 10)

	a.Loader = loader.New(map[loader.FileKind]loader.Parser{
		loader.FileKindHTML: web.NewParser(cfg.Pipeline.HTMLMainContent),
		loader.FileKindDocx: doc.NewParser(),
		loader.FileKindPDF:  pdf.NewParser(),
		loader.FileKindCSV:  csv.NewParser(),
	})

	if a.Archive == nil && cfg.Storage.Enabled() {
		client, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		a.Archive = storage.NewArchive(client, cfg.Storage.Bucket)
		if a.Documents == nil {
			a.Documents = loader.NewCachedSource(loaders3.NewSourceWithClient(cfg.Storage.Bucket, client))
		}
	}
	if a.Jobs == nil && cfg.Queue.Enabled() {
		if err := a.connectQueue(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) connectPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(a.Config.Staging.URL)
	if err != nil {
		return nil, common.WrapError(common.InvalidConfig, err, "STAGING_URL")
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, common.WrapError(common.StoreUnavailable, err, "staging database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, a.Config.Staging.Timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, common.WrapError(common.StoreUnavailable, err, "staging database")
	}
	return pool, nil
}

func (a *App) connectQueue() error {
	conn, err := queue.Dial(a.Config.Queue.URL())
	if err != nil {
		return common.WrapError(common.StoreUnavailable, err, "job queue")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return common.WrapError(common.StoreUnavailable, err, "job queue channel")
	}
	if err := queue.SetupQueues(ch, a.Config.Queue.Name); err != nil {
		ch.Close()
		conn.Close()
		return common.WrapError(common.StoreUnavailable, err, "job queues")
	}
	a.amqp, a.Jobs = conn, ch
	a.own(func(context.Context) {
		ch.Close()
		conn.Close()
	})
	return nil
}

// QueueConnection returns the broker connection opened by Initialize, or
// nil.
func (a *App) QueueConnection() *amqp091.Connection { return a.amqp }

func newAIClient(cfg config.LLM) (ai.GraphAIClient, error) {
	var inner ai.GraphAIClient
	switch cfg.Adapter {
	case config.AdapterOllama:
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			ChatModel:             cfg.Model,
			EmbeddingModel:        cfg.EmbedModel,
			EmbeddingDim:          cfg.EmbedDim,
			BaseURL:               cfg.Endpoint,
			ApiKey:                cfg.APIKey,
			MaxConcurrentRequests: int64(cfg.MaxConcurrentRequests),
		})
		if err != nil {
			return nil, common.WrapError(common.InvalidConfig, err, "ollama client")
		}
		inner = client
	default:
		inner = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			ChatModel:      cfg.Model,
			EmbeddingModel: cfg.EmbedModel,
			EmbeddingDim:   cfg.EmbedDim,
			ChatURL:        cfg.Endpoint,
			ChatKey:        cfg.APIKey,
			EmbeddingURL:   cfg.EmbedURL,
			EmbeddingKey:   cfg.EmbedKey,
		})
	}
	return ai.NewGuarded(inner, ai.GuardParams{
		RequestsPerSecond: cfg.RateLimit,
		Burst:             max(1, cfg.MaxConcurrentRequests),
		Timeout:           cfg.Timeout,
	}), nil
}

func (a *App) own(closeFn func(ctx context.Context)) {
	a.owned = append(a.owned, closeFn)
}

// release closes owned resources in reverse order of creation.
func (a *App) release(ctx context.Context) {
	for i := len(a.owned) - 1; i >= 0; i-- {
		a.owned[i](ctx)
	}
	a.owned = nil
}

// Close releases every resource opened by Initialize. Closing a closed
// App is a no-op.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed {
		return nil
	}
	a.release(ctx)
	a.state = StateClosed
	logger.Info("[App] Closed")
	return nil
}

// ErrNotReady is returned by operations on an App that is not ready.
var ErrNotReady = errors.New("app is not ready")

// Ready returns ErrNotReady unless Initialize succeeded and Close was not
// called.
func (a *App) Ready() error {
	if a.State() != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, a.State())
	}
	return nil
}
