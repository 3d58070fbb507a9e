package index

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/aitest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

func jane() common.GraphEntity {
	return common.GraphEntity{
		GraphID:       "n1",
		Kind:          common.EntityPerson,
		CanonicalName: "Jane Smith",
		Attributes: map[string]any{
			"aliases":         []any{"Jane Smith", "Ms. Smith"},
			"normalized_name": "jane smith",
			"roles":           []any{map[string]any{"category": "ceo_coo", "title": "CEO", "organization": "Acme Corp"}},
			"nationality":     "British",
			"education":       []any{"Oxford", "INSEAD"},
		},
	}
}

func acme() common.GraphEntity {
	return common.GraphEntity{
		GraphID:       "n2",
		Kind:          common.EntityCompany,
		CanonicalName: "Acme Corp",
		Attributes:    map[string]any{"sectors": []any{"Manufacturing"}},
	}
}

func TestSummary(t *testing.T) {
	want := "Jane Smith is a person. Also known as Ms. Smith. Roles: CEO at Acme Corp. education: Oxford, INSEAD. nationality: British."
	if got := Summary(jane()); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if Summary(jane()) != Summary(jane()) {
		t.Fatalf("expected summaries to be deterministic")
	}
}

func TestKeywordsAndTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Who leads Acme Corp?", "'who' | 'leads' | 'acme' | 'corp'"},
		{"an of it", ""},
		{"O'Brien's board", "'obriens' | 'board'"},
	}
	for _, tt := range tests {
		if got := TSQuery(tt.in); got != tt.want {
			t.Fatalf("expected %q for %q, got %q", tt.want, tt.in, got)
		}
	}
}

func TestMemoryKeywordSearch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	for _, e := range []common.GraphEntity{jane(), acme()} {
		if err := m.IndexEntity(ctx, e); err != nil {
			t.Fatalf("expected index, got %v", err)
		}
	}

	hits, err := m.Search(ctx, "who is the CEO of Acme?", 5)
	if err != nil {
		t.Fatalf("expected search, got %v", err)
	}
	if len(hits) != 2 || hits[0].CanonicalName != "Jane Smith" {
		t.Fatalf("expected Jane Smith first, got %+v", hits)
	}
	if hits, _ := m.Search(ctx, "manufacturing", 5); len(hits) != 1 || hits[0].GraphID != "n2" {
		t.Fatalf("expected Acme Corp, got %+v", hits)
	}

	if err := m.Remove(ctx, "n2"); err != nil {
		t.Fatalf("expected remove, got %v", err)
	}
	if hits, _ := m.Search(ctx, "manufacturing", 5); len(hits) != 0 {
		t.Fatalf("expected no hits after remove, got %+v", hits)
	}
}

func TestMemoryVectorSearch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(&aitest.Fake{Dimensions: 64})
	_ = m.IndexEntity(ctx, jane())
	_ = m.IndexEntity(ctx, acme())

	hits, err := m.Search(ctx, "Acme Corp is a company. sectors: Manufacturing.", 1)
	if err != nil {
		t.Fatalf("expected search, got %v", err)
	}
	if len(hits) != 1 || hits[0].GraphID != "n2" {
		t.Fatalf("expected the company as nearest node, got %+v", hits)
	}
	if hits[0].Score < 0.99 {
		t.Fatalf("expected identical text to score ~1, got %f", hits[0].Score)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := cosine([]float32{1, 2}, []float32{1}); got != 0 {
		t.Fatalf("expected 0 for mismatched lengths, got %f", got)
	}
}

// TestPostgres runs against a migrated database named by INDEX_TEST_DSN.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("INDEX_TEST_DSN")
	if dsn == "" {
		t.Skip("INDEX_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("expected connection, got %v", err)
	}
	defer pool.Close()

	for name, embedder := range map[string]Embedder{"keyword": nil, "vector": &aitest.Fake{Dimensions: 16}} {
		t.Run(name, func(t *testing.T) {
			p := NewPostgres(pool, embedder, 0)
			if err := p.Clear(ctx); err != nil {
				t.Fatalf("expected clear, got %v", err)
			}
			for _, e := range []common.GraphEntity{jane(), acme()} {
				if err := p.IndexEntity(ctx, e); err != nil {
					t.Fatalf("expected index, got %v", err)
				}
			}
			hits, err := p.Search(ctx, "Acme Corp is a company. sectors: Manufacturing.", 1)
			if err != nil || len(hits) != 1 || hits[0].GraphID != "n2" {
				t.Fatalf("expected Acme Corp, got %+v (%v)", hits, err)
			}
		})
	}
}
