package config

import (
	"strings"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("LLM_ENDPOINT", "http://llm.local/v1")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("LLM_API_KEY", "secret")
	t.Setenv("GRAPH_URI", "neo4j://graph.local:7687")
	t.Setenv("GRAPH_USER", "neo4j")
	t.Setenv("GRAPH_PASSWORD", "pw")
	t.Setenv("STAGING_URL", "postgres://staging.local/graph")
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("AI_ADAPTER", "")
	t.Setenv("AUTO_PROMOTE", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("CHUNK_TARGET_CHARS", "")
	t.Setenv("MAX_CONCURRENT_DOCUMENTS", "")
	t.Setenv("LLM_WINDOW_CHARS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if cfg.LLM.Adapter != AdapterOpenAI {
		t.Fatalf("expected openai adapter, got %q", cfg.LLM.Adapter)
	}
	if cfg.Pipeline.MaxConcurrentDocuments != 4 {
		t.Fatalf("expected 4 documents, got %d", cfg.Pipeline.MaxConcurrentDocuments)
	}
	if cfg.Pipeline.Chunking.TargetChars != 6000 || cfg.Pipeline.Chunking.OverlapChars != 0 {
		t.Fatalf("expected 6000/0 chunking, got %+v", cfg.Pipeline.Chunking)
	}
	if cfg.LLM.WindowChars != 50000 {
		t.Fatalf("expected 50000 window chars, got %d", cfg.LLM.WindowChars)
	}
	if cfg.Pipeline.AutoPromote != approval.AutoPromoteOff {
		t.Fatalf("expected auto-promote off, got %q", cfg.Pipeline.AutoPromote)
	}
	if cfg.LLM.Timeout != 60*time.Second || cfg.Staging.Timeout != 30*time.Second || cfg.Graph.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeouts: %v %v %v", cfg.LLM.Timeout, cfg.Staging.Timeout, cfg.Graph.Timeout)
	}
	if cfg.Pipeline.DedupeSimilarity != 0.92 {
		t.Fatalf("expected 0.92, got %v", cfg.Pipeline.DedupeSimilarity)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CHUNK_TARGET_CHARS", "3000")
	t.Setenv("CHUNK_OVERLAP_CHARS", "200")
	t.Setenv("AUTO_PROMOTE", "after_approval_all")
	t.Setenv("AI_ADAPTER", "Ollama")
	t.Setenv("LLM_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected ollama without key to validate, got %v", err)
	}
	if cfg.Pipeline.Chunking.TargetChars != 3000 || cfg.Pipeline.Chunking.MaxChars != 4000 {
		t.Fatalf("expected 3000/4000 chunking, got %+v", cfg.Pipeline.Chunking)
	}
	if cfg.Pipeline.AutoPromote != approval.AutoPromoteAfterApprovalAll {
		t.Fatalf("expected after_approval_all, got %q", cfg.Pipeline.AutoPromote)
	}
}

func TestLoadRejectsUnknownAutoPromote(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTO_PROMOTE", "sometimes")
	if _, err := Load(); !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
}

func TestValidateNamesMissingKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("GRAPH_URI", "")
	t.Setenv("STAGING_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err = cfg.Validate()
	if !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
	for _, key := range []string{"GRAPH_URI", "STAGING_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %q", key, err.Error())
		}
	}
	if strings.Contains(err.Error(), "LLM_MODEL") {
		t.Fatalf("expected LLM_MODEL not to be reported, got %q", err.Error())
	}
}

func TestValidateRanges(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Pipeline.MaxConcurrentDocuments = 0 }},
		{"adapter", func(c *Config) { c.LLM.Adapter = "bedrock" }},
		{"similarity", func(c *Config) { c.Pipeline.DedupeSimilarity = 1.5 }},
		{"overlap", func(c *Config) { c.Pipeline.Chunking.OverlapChars = c.Pipeline.Chunking.TargetChars }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			tt.mutate(&c)
			if err := c.Validate(); !common.IsKind(err, common.InvalidConfig) {
				t.Fatalf("expected InvalidConfig, got %v", err)
			}
		})
	}
}

func TestQueueURL(t *testing.T) {
	q := Queue{User: "guest", Password: "p@ss", Host: "mq", Port: "5672"}
	if got := q.URL(); got != "amqp://guest:p%40ss@mq:5672/" {
		t.Fatalf("expected escaped url, got %q", got)
	}
}
