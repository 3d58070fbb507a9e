package index

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

type entry struct {
	hit       Hit
	text      string
	embedding []float32
}

// Memory is an in-process Index. With an embedder it ranks by cosine
// similarity, otherwise by the number of query keywords found.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]entry
	embedder Embedder
}

// NewMemory creates an empty Memory. embedder may be nil.
func NewMemory(embedder Embedder) *Memory {
	return &Memory{entries: map[string]entry{}, embedder: embedder}
}

var _ Index = (*Memory)(nil)

func (m *Memory) IndexEntity(ctx context.Context, e common.GraphEntity) error {
	summary := Summary(e)
	var vec []float32
	if m.embedder != nil {
		var err error
		vec, err = m.embedder.GenerateEmbedding(ctx, summary)
		if err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.GraphID] = entry{
		hit:       Hit{GraphID: e.GraphID, Kind: e.Kind, CanonicalName: e.CanonicalName, Summary: summary},
		text:      strings.ToLower(e.CanonicalName + " " + summary),
		embedding: vec,
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	var query []float32
	if m.embedder != nil {
		var err error
		query, err = m.embedder.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
	}
	words := keywords(text)

	m.mu.RLock()
	var hits []Hit
	for _, e := range m.entries {
		h := e.hit
		if query != nil && e.embedding != nil {
			h.Score = cosine(query, e.embedding)
		} else {
			for _, w := range words {
				if strings.Contains(e.text, w) {
					h.Score++
				}
			}
			if h.Score == 0 {
				continue
			}
		}
		hits = append(hits, h)
	}
	m.mu.RUnlock()

	slices.SortFunc(hits, func(a, b Hit) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.CanonicalName, b.CanonicalName)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Memory) Remove(_ context.Context, graphID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, graphID)
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]entry{}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
