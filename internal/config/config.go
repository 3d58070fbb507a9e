// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// Adapters accepted by AI_ADAPTER.
const (
	AdapterOpenAI = "openai"
	AdapterOllama = "ollama"
)

// LLM configures the chat and embedding provider.
type LLM struct {
	Adapter  string
	Endpoint string
	Model    string
	APIKey   string

	EmbedModel string
	EmbedURL   string
	EmbedKey   string
	EmbedDim   int

	// RateLimit caps requests per second, 0 disables the cap.
	RateLimit             float64
	MaxConcurrentRequests int
	Timeout               time.Duration
	MaxRetries            int
	WindowChars           int
}

// Graph configures the property-graph store.
type Graph struct {
	URI      string
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// Staging configures the relational staging store.
type Staging struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// Pipeline configures ingestion defaults.
type Pipeline struct {
	MaxConcurrentDocuments int
	Chunking               chunker.Config
	AutoPromote            approval.AutoPromote
	AutoCreateSession      bool
	DedupeSimilarity       float64
	KnownPersonsFile       string
	// HTMLMainContent reduces uploaded HTML to its article text.
	HTMLMainContent        bool
}

// Queue configures the RabbitMQ connection used for ingestion jobs.
type Queue struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// Enabled reports whether a broker host is configured.
func (q Queue) Enabled() bool { return q.Host != "" }

// URL returns the AMQP connection url.
func (q Queue) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(q.User, q.Password),
		Host:   q.Host + ":" + q.Port,
		Path:   "/",
	}
	return u.String()
}

// Storage configures the S3 document archive.
type Storage struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Enabled reports whether a bucket is configured.
func (s Storage) Enabled() bool { return s.Bucket != "" }

// Auth configures request authentication.
type Auth struct {
	URL          string
	MasterAPIKey string
	Disabled     bool
}

// Config is the full service configuration.
type Config struct {
	Port           string
	APIURL         string
	Debug          bool
	MigrateOnStart bool

	LLM      LLM
	Graph    Graph
	Staging  Staging
	Pipeline Pipeline
	Queue    Queue
	Storage  Storage
	Auth     Auth
}

// Load reads the configuration from the environment, after loading a .env
// file if one exists. It does not validate; call Validate before use.
func Load() (Config, error) {
	util.LoadEnv()

	chunking := chunker.DefaultConfig()
	chunking.TargetChars = util.GetEnvInt("CHUNK_TARGET_CHARS", chunking.TargetChars)
	chunking.OverlapChars = util.GetEnvInt("CHUNK_OVERLAP_CHARS", chunking.OverlapChars)
	chunking.MaxChars = util.GetEnvInt("CHUNK_MAX_CHARS", 0)
	chunking.MinChunkChars = util.GetEnvInt("CHUNK_MIN_CHARS", chunking.MinChunkChars)
	chunking.UseSemantic = util.GetEnvBool("CHUNK_SEMANTIC", chunking.UseSemantic)
	chunking = chunking.WithDefaults()

	autoPromote, err := approval.ParseAutoPromote(util.GetEnv("AUTO_PROMOTE"))
	if err != nil {
		return Config{}, err
	}

	port := util.GetEnvString("PORT", "8058")
	cfg := Config{
		Port:           port,
		APIURL:         util.GetEnvString("API_URL", "http://localhost:"+port),
		Debug:          util.GetEnvBool("DEBUG", false),
		MigrateOnStart: util.GetEnvBool("MIGRATE_ON_START", false),
		LLM: LLM{
			Adapter:               strings.ToLower(util.GetEnvString("AI_ADAPTER", AdapterOpenAI)),
			Endpoint:              util.GetEnv("LLM_ENDPOINT"),
			Model:                 util.GetEnv("LLM_MODEL"),
			APIKey:                util.GetEnv("LLM_API_KEY"),
			EmbedModel:            util.GetEnv("AI_EMBED_MODEL"),
			EmbedURL:              util.GetEnvString("AI_EMBED_URL", util.GetEnv("LLM_ENDPOINT")),
			EmbedKey:              util.GetEnvString("AI_EMBED_KEY", util.GetEnv("LLM_API_KEY")),
			EmbedDim:              util.GetEnvInt("AI_EMBED_DIM", 1536),
			RateLimit:             util.GetEnvFloat("LLM_RATE_LIMIT", 0),
			MaxConcurrentRequests: util.GetEnvInt("AI_PARALLEL_REQ", 4),
			Timeout:               util.GetEnvSeconds("LLM_TIMEOUT_SECONDS", 60*time.Second),
			MaxRetries:            util.GetEnvInt("LLM_MAX_RETRIES", 3),
			WindowChars:           util.GetEnvInt("LLM_WINDOW_CHARS", 50000),
		},
		Graph: Graph{
			URI:      util.GetEnv("GRAPH_URI"),
			User:     util.GetEnv("GRAPH_USER"),
			Password: util.GetEnv("GRAPH_PASSWORD"),
			Database: util.GetEnv("GRAPH_DATABASE"),
			Timeout:  util.GetEnvSeconds("GRAPH_TIMEOUT_SECONDS", 30*time.Second),
		},
		Staging: Staging{
			URL:        util.GetEnv("STAGING_URL"),
			Timeout:    util.GetEnvSeconds("STAGING_TIMEOUT_SECONDS", 30*time.Second),
			MaxRetries: util.GetEnvInt("STORE_MAX_RETRIES", 2),
		},
		Pipeline: Pipeline{
			MaxConcurrentDocuments: util.GetEnvInt("MAX_CONCURRENT_DOCUMENTS", 4),
			Chunking:               chunking,
			AutoPromote:            autoPromote,
			AutoCreateSession:      util.GetEnvBool("AUTO_CREATE_SESSION", false),
			DedupeSimilarity:       util.GetEnvFloat("DEDUPE_SIMILARITY", 0.92),
			KnownPersonsFile:       util.GetEnv("KNOWN_PERSONS_FILE"),
			HTMLMainContent:        util.GetEnvBool("HTML_MAIN_CONTENT", false),
		},
		Queue: Queue{
			User:     util.GetEnvString("RABBITMQ_USER", "guest"),
			Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
			Host:     util.GetEnv("RABBITMQ_HOST"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
			Name:     util.GetEnvString("RABBITMQ_QUEUE", "ingest_queue"),
		},
		Storage: Storage{
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			Bucket:    util.GetEnv("AWS_BUCKET"),
		},
		Auth: Auth{
			URL:          util.GetEnv("AUTH_URL"),
			MasterAPIKey: util.GetEnv("MASTER_API_KEY"),
			Disabled:     util.GetEnvBool("AUTH_DISABLED", false),
		},
	}
	return cfg, nil
}

// Validate checks required keys and value ranges. The error is
// InvalidConfig and names every offending key.
func (c Config) Validate() error {
	var missing []string
	required := []struct {
		key, value string
	}{
		{"LLM_ENDPOINT", c.LLM.Endpoint},
		{"LLM_MODEL", c.LLM.Model},
		{"GRAPH_URI", c.Graph.URI},
		{"GRAPH_USER", c.Graph.User},
		{"GRAPH_PASSWORD", c.Graph.Password},
		{"STAGING_URL", c.Staging.URL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	// Ollama runs without a key.
	if c.LLM.Adapter != AdapterOllama && strings.TrimSpace(c.LLM.APIKey) == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if !c.Auth.Disabled && c.Auth.URL == "" && c.Auth.MasterAPIKey == "" {
		missing = append(missing, "AUTH_URL")
	}
	if len(missing) > 0 {
		return common.NewError(common.InvalidConfig, "missing required settings: %s", strings.Join(missing, ", "))
	}

	var invalid []string
	switch c.LLM.Adapter {
	case AdapterOpenAI, AdapterOllama:
	default:
		invalid = append(invalid, fmt.Sprintf("AI_ADAPTER=%q", c.LLM.Adapter))
	}
	if c.Pipeline.MaxConcurrentDocuments < 1 {
		invalid = append(invalid, fmt.Sprintf("MAX_CONCURRENT_DOCUMENTS=%d", c.Pipeline.MaxConcurrentDocuments))
	}
	if c.LLM.WindowChars < 1 {
		invalid = append(invalid, fmt.Sprintf("LLM_WINDOW_CHARS=%d", c.LLM.WindowChars))
	}
	if c.LLM.MaxRetries < 1 {
		invalid = append(invalid, fmt.Sprintf("LLM_MAX_RETRIES=%d", c.LLM.MaxRetries))
	}
	if c.Staging.MaxRetries < 1 {
		invalid = append(invalid, fmt.Sprintf("STORE_MAX_RETRIES=%d", c.Staging.MaxRetries))
	}
	if c.Pipeline.DedupeSimilarity <= 0 || c.Pipeline.DedupeSimilarity > 1 {
		invalid = append(invalid, fmt.Sprintf("DEDUPE_SIMILARITY=%v", c.Pipeline.DedupeSimilarity))
	}
	if err := c.Pipeline.Chunking.Validate(); err != nil {
		invalid = append(invalid, err.Error())
	}
	if len(invalid) > 0 {
		return common.NewError(common.InvalidConfig, "invalid settings: %s", strings.Join(invalid, ", "))
	}
	return nil
}
