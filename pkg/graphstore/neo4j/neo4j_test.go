package neo4j

import (
	"context"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/graphstoretest"
)

// TestStore runs the shared suite against the database named by
// GRAPH_TEST_URI. The database is cleared before each case.
func TestStore(t *testing.T) {
	uri := os.Getenv("GRAPH_TEST_URI")
	if uri == "" {
		t.Skip("GRAPH_TEST_URI not set")
	}
	graphstoretest.Run(t, func(t *testing.T) graphstore.Store {
		ctx := context.Background()
		s, err := New(ctx, Config{URI: uri, User: os.Getenv("GRAPH_TEST_USER"), Password: os.Getenv("GRAPH_TEST_PASSWORD")})
		if err != nil {
			t.Fatalf("expected connection, got %v", err)
		}
		if err := s.EnsureIndices(ctx); err != nil {
			t.Fatalf("expected indices, got %v", err)
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("expected clear, got %v", err)
		}
		return s
	})
}

func TestDecodeNode(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := neo4j.Node{
		Labels: []string{"Person", common.CatchAllLabel},
		Props: map[string]any{
			"graph_id":       "g-1",
			"canonical_name": "Jane Smith",
			"attributes":     `{"aliases":["Jane Smith","Ms. Smith"],"title":"CEO"}`,
			"provenance":     []any{"doc-1:se_1"},
			"created_at":     created,
			"updated_at":     created,
		},
	}
	e, err := decodeNode(n)
	if err != nil {
		t.Fatalf("expected decode, got %v", err)
	}
	if e.Kind != common.EntityPerson || e.GraphID != "g-1" || e.CanonicalName != "Jane Smith" {
		t.Fatalf("expected Jane Smith person, got %+v", e)
	}
	want := []common.Provenance{{DocumentID: "doc-1", StagedID: "se_1"}}
	if !reflect.DeepEqual(e.Provenance, want) {
		t.Fatalf("expected %v, got %v", want, e.Provenance)
	}
	if e.Attributes["title"] != "CEO" || !e.CreatedAt.Equal(created) {
		t.Fatalf("expected attributes and timestamps, got %+v", e)
	}
}

func TestDecodeAttributesRejectsGarbage(t *testing.T) {
	if _, err := decodeAttributes("{not json"); err == nil {
		t.Fatalf("expected error for invalid attributes")
	}
	attrs, err := decodeAttributes(nil)
	if err != nil || len(attrs) != 0 {
		t.Fatalf("expected empty attributes, got %v %v", attrs, err)
	}
}

func TestLuceneQuery(t *testing.T) {
	tests := map[string]string{
		"What is the relation between Jane and Acme?": "What OR the OR relation OR between OR Jane OR and OR Acme",
		"Engelbrecht-Bresges":                         `Engelbrecht\-Bresges`,
		"a b":                                         "",
	}
	for in, want := range tests {
		if got := LuceneQuery(in); got != want {
			t.Fatalf("expected %q for %q, got %q", want, in, got)
		}
	}
}

func TestSearchTextIncludesAliases(t *testing.T) {
	got := searchText("Jane Smith", map[string]any{"aliases": []any{"Jane Smith", "Ms. Smith"}})
	if got != "Jane Smith | Ms. Smith" {
		t.Fatalf("expected name and alias, got %q", got)
	}
}

func TestIndexStatementsCoverEveryKind(t *testing.T) {
	stmts := IndexStatements()
	joined := strings.Join(stmts, "\n")
	for _, k := range common.RelationKinds {
		if !strings.Contains(joined, "[r:"+string(k)+"]") {
			t.Fatalf("expected an index for %s", k)
		}
	}
	for _, s := range stmts {
		if !strings.Contains(s, "IF NOT EXISTS") {
			t.Fatalf("expected idempotent statement, got %s", s)
		}
	}
}
