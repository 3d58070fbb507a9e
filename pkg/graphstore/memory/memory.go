// Package memory is an in-process graphstore.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
)

type node struct {
	entity common.GraphEntity
	seq    int
}

// Store keeps the graph in maps guarded by a mutex.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*node
	edges map[string]*common.GraphRelationship
	next  int
	now   func() time.Time
}

// New returns an empty graph.
func New() *Store {
	return &Store{
		nodes: map[string]*node{},
		edges: map[string]*common.GraphRelationship{},
		now:   time.Now,
	}
}

var _ graphstore.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close(context.Context) error { return nil }

// SeedEntity inserts a node as-is, including extra labels. It exists to
// reproduce data written by older versions.
func (s *Store) SeedEntity(e common.GraphEntity) common.GraphEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.GraphID == "" {
		e.GraphID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
		e.UpdatedAt = e.CreatedAt
	}
	if len(e.Labels) == 0 {
		e.Labels = []string{string(e.Kind)}
	}
	e.Attributes = graphstore.NormalizeAttributes(e.Attributes)
	s.next++
	s.nodes[e.GraphID] = &node{entity: e, seq: s.next}
	return e
}

func (s *Store) find(kind common.EntityKind, name string, fold bool) []*node {
	var out []*node
	for _, n := range s.nodes {
		if kind != "" && n.entity.Kind != kind {
			continue
		}
		if n.entity.CanonicalName == name || (fold && strings.EqualFold(n.entity.CanonicalName, name)) {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b *node) int { return a.seq - b.seq })
	return out
}

func (s *Store) UpsertEntity(ctx context.Context, u graphstore.EntityUpsert) (common.GraphEntity, graphstore.UpsertResult, error) {
	var res graphstore.UpsertResult
	if err := ctx.Err(); err != nil {
		return common.GraphEntity{}, res, err
	}
	if !u.Kind.Valid() || u.CanonicalName == "" {
		return common.GraphEntity{}, res, common.NewError(common.SchemaViolation, "invalid node %s %q", u.Kind, u.CanonicalName)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if found := s.find(u.Kind, u.CanonicalName, false); len(found) > 0 {
		e := &found[0].entity
		attrs, changed := graphstore.MergeAttributes(e.Attributes, u.Attributes)
		prov, added := graphstore.AppendProvenance(e.Provenance, u.Provenance)
		labels := []string{string(u.Kind)}
		relabeled := !slices.Equal(e.Labels, labels)
		if changed || added {
			e.Attributes, e.Provenance = attrs, prov
			res.Changed = true
		}
		if changed {
			e.UpdatedAt = at
		}
		if relabeled {
			e.Labels = labels
			res.Changed = true
		}
		return cloneEntity(*e), res, nil
	}

	e := common.GraphEntity{
		GraphID:       uuid.NewString(),
		Kind:          u.Kind,
		CanonicalName: u.CanonicalName,
		Labels:        []string{string(u.Kind)},
		Attributes:    graphstore.NormalizeAttributes(u.Attributes),
		Provenance:    []common.Provenance{u.Provenance},
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	s.next++
	s.nodes[e.GraphID] = &node{entity: e, seq: s.next}
	res.Created, res.Changed = true, true
	return cloneEntity(e), res, nil
}

func (s *Store) findEdge(src, tgt string, kind common.RelationKind) *common.GraphRelationship {
	for _, e := range s.edges {
		if e.SourceGraphID == src && e.TargetGraphID == tgt && e.Kind == kind {
			return e
		}
	}
	return nil
}

func (s *Store) UpsertRelationship(ctx context.Context, u graphstore.RelationshipUpsert) (common.GraphRelationship, graphstore.UpsertResult, error) {
	var res graphstore.UpsertResult
	if err := ctx.Err(); err != nil {
		return common.GraphRelationship{}, res, err
	}
	if u.SourceID == u.TargetID {
		return common.GraphRelationship{}, res, graphstore.SelfEdge(u.SourceID, u.Kind)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{u.SourceID, u.TargetID} {
		if _, ok := s.nodes[id]; !ok {
			return common.GraphRelationship{}, res, graphstore.MissingEndpoint(id)
		}
	}
	r, res := s.upsertEdge(u.SourceID, u.TargetID, u.Kind, u.Attributes, []common.Provenance{u.Provenance}, at)
	return cloneEdge(*r), res, nil
}

// upsertEdge merges into an existing edge or creates one. The caller holds
// the write lock.
func (s *Store) upsertEdge(src, tgt string, kind common.RelationKind, attrs map[string]any, prov []common.Provenance, at time.Time) (*common.GraphRelationship, graphstore.UpsertResult) {
	var res graphstore.UpsertResult
	if r := s.findEdge(src, tgt, kind); r != nil {
		merged, changed := graphstore.MergeAttributes(r.Attributes, attrs)
		list, added := r.Provenance, false
		for _, p := range prov {
			var ok bool
			list, ok = graphstore.AppendProvenance(list, p)
			added = added || ok
		}
		if changed || added {
			r.Attributes, r.Provenance = merged, list
			res.Changed = true
		}
		if changed {
			r.UpdatedAt = at
		}
		return r, res
	}
	r := &common.GraphRelationship{
		GraphID:       uuid.NewString(),
		SourceGraphID: src,
		TargetGraphID: tgt,
		Kind:          kind,
		Attributes:    graphstore.NormalizeAttributes(attrs),
		Provenance:    slices.Clone(prov),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	s.edges[r.GraphID] = r
	res.Created, res.Changed = true, true
	return r, res
}

func (s *Store) GetEntity(ctx context.Context, graphID string) (common.GraphEntity, error) {
	if err := ctx.Err(); err != nil {
		return common.GraphEntity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[graphID]
	if !ok {
		return common.GraphEntity{}, fmt.Errorf("node %s: %w", graphID, graphstore.ErrNotFound)
	}
	return cloneEntity(n.entity), nil
}

func (s *Store) FindEntities(ctx context.Context, q graphstore.EntityQuery) ([]common.GraphEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.find(q.Kind, q.Name, q.FoldCase)
	out := make([]common.GraphEntity, len(found))
	for i, n := range found {
		out[i] = cloneEntity(n.entity)
	}
	return out, nil
}

func (s *Store) SearchEntities(ctx context.Context, text string, limit int) ([]common.GraphEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(text))
	type hit struct {
		n     *node
		score int
	}
	s.mu.RLock()
	var hits []hit
	for _, n := range s.nodes {
		names := []string{strings.ToLower(n.entity.CanonicalName)}
		if aliases, ok := n.entity.Attributes["aliases"].([]any); ok {
			for _, a := range aliases {
				if str, ok := a.(string); ok {
					names = append(names, strings.ToLower(str))
				}
			}
		}
		score := 0
		for _, w := range words {
			if len([]rune(w)) < 3 {
				continue
			}
			for _, name := range names {
				if strings.Contains(name, w) {
					score++
					break
				}
			}
		}
		if score > 0 {
			hits = append(hits, hit{n, score})
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(hits, func(a, b hit) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return a.n.seq - b.n.seq
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]common.GraphEntity, len(hits))
	for i, h := range hits {
		out[i] = cloneEntity(h.n.entity)
	}
	return out, nil
}

func (s *Store) ListEntities(ctx context.Context, kind common.EntityKind) ([]common.GraphEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*node
	for _, n := range s.nodes {
		if kind == "" || n.entity.Kind == kind {
			list = append(list, n)
		}
	}
	slices.SortFunc(list, func(a, b *node) int {
		if c := a.entity.CreatedAt.Compare(b.entity.CreatedAt); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	out := make([]common.GraphEntity, len(list))
	for i, n := range list {
		out[i] = cloneEntity(n.entity)
	}
	return out, nil
}

func (s *Store) Relationships(ctx context.Context, graphID string) ([]common.GraphRelationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []common.GraphRelationship
	for _, e := range s.edges {
		if e.SourceGraphID == graphID || e.TargetGraphID == graphID {
			out = append(out, cloneEdge(*e))
		}
	}
	slices.SortFunc(out, func(a, b common.GraphRelationship) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.GraphID, b.GraphID)
	})
	return out, nil
}

func (s *Store) MergeNodes(ctx context.Context, primaryID, duplicateID string) (graphstore.MergeResult, error) {
	var res graphstore.MergeResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	primary, ok := s.nodes[primaryID]
	if !ok {
		return res, fmt.Errorf("node %s: %w", primaryID, graphstore.ErrNotFound)
	}
	dup, ok := s.nodes[duplicateID]
	if !ok {
		return res, fmt.Errorf("node %s: %w", duplicateID, graphstore.ErrNotFound)
	}
	now := s.now()

	aliases := map[string]any{"aliases": []any{dup.entity.CanonicalName}}
	attrs, _ := graphstore.MergeAttributes(primary.entity.Attributes, dup.entity.Attributes)
	attrs, _ = graphstore.MergeAttributes(attrs, aliases)
	primary.entity.Attributes = attrs
	for _, p := range dup.entity.Provenance {
		primary.entity.Provenance, _ = graphstore.AppendProvenance(primary.entity.Provenance, p)
	}
	primary.entity.UpdatedAt = now

	for id, e := range s.edges {
		if e.SourceGraphID != duplicateID && e.TargetGraphID != duplicateID {
			continue
		}
		delete(s.edges, id)
		src, tgt := e.SourceGraphID, e.TargetGraphID
		if src == duplicateID {
			src = primaryID
		}
		if tgt == duplicateID {
			tgt = primaryID
		}
		if src == tgt {
			res.EdgesDropped++
			continue
		}
		if existing := s.findEdge(src, tgt, e.Kind); existing != nil {
			s.upsertEdge(src, tgt, e.Kind, e.Attributes, e.Provenance, now)
			res.EdgesMerged++
			continue
		}
		e.SourceGraphID, e.TargetGraphID, e.UpdatedAt = src, tgt, now
		s.edges[id] = e
		res.EdgesMoved++
	}
	delete(s.nodes, duplicateID)
	return res, nil
}

func (s *Store) NormalizeLabels(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, nd := range s.nodes {
		if slices.Contains(nd.entity.Labels, common.CatchAllLabel) {
			nd.entity.Labels = slices.DeleteFunc(nd.entity.Labels, func(l string) bool { return l == common.CatchAllLabel })
			n++
		}
	}
	return n, nil
}

func (s *Store) EnsureIndices(ctx context.Context) error { return ctx.Err() }

func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = map[string]*node{}
	s.edges = map[string]*common.GraphRelationship{}
	return nil
}

func (s *Store) Stats(ctx context.Context) (graphstore.Stats, error) {
	st := graphstore.Stats{Nodes: map[string]int{}, Edges: map[string]int{}}
	if err := ctx.Err(); err != nil {
		return st, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		for _, l := range n.entity.Labels {
			st.Nodes[l]++
		}
	}
	for _, e := range s.edges {
		st.Edges[string(e.Kind)]++
	}
	return st, nil
}

func cloneEntity(e common.GraphEntity) common.GraphEntity {
	e.Labels = slices.Clone(e.Labels)
	e.Attributes = graphstore.NormalizeAttributes(e.Attributes)
	e.Provenance = slices.Clone(e.Provenance)
	return e
}

func cloneEdge(r common.GraphRelationship) common.GraphRelationship {
	r.Attributes = graphstore.NormalizeAttributes(r.Attributes)
	r.Provenance = slices.Clone(r.Provenance)
	return r
}
