package query

import (
	"context"
	"errors"
	"strings"

	"github.com/patrickmn/go-cache"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/canon"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
)

// MatchKind tells how a name was resolved to a node.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchFoldCase  MatchKind = "case_insensitive"
	MatchFuzzy     MatchKind = "fuzzy"
	MatchNone      MatchKind = "none"
	fuzzyCandidate           = 25
)

type resolution struct {
	graphID string
	match   MatchKind
}

// Lookup resolves a name to a node: an exact canonical name first, then a
// case-insensitive one, then the most similar name or alias above the
// similarity threshold. It returns MatchNone when nothing qualifies.
func (s *Surface) Lookup(ctx context.Context, name string) (common.GraphEntity, MatchKind, error) {
	name = strings.TrimSpace(name)
	key := strings.ToLower(name)
	if key == "" {
		return common.GraphEntity{}, MatchNone, nil
	}

	if cached, ok := s.resolved.Get(key); ok {
		r := cached.(resolution)
		e, err := s.graph.GetEntity(ctx, r.graphID)
		if err == nil {
			return e, r.match, nil
		}
		if !errors.Is(err, graphstore.ErrNotFound) {
			return common.GraphEntity{}, MatchNone, err
		}
		s.resolved.Delete(key)
	}

	for _, step := range []struct {
		fold  bool
		match MatchKind
	}{{false, MatchExact}, {true, MatchFoldCase}} {
		found, err := s.graph.FindEntities(ctx, graphstore.EntityQuery{Name: name, FoldCase: step.fold})
		if err != nil {
			return common.GraphEntity{}, MatchNone, err
		}
		if len(found) > 0 {
			s.resolved.Set(key, resolution{found[0].GraphID, step.match}, cache.DefaultExpiration)
			return found[0], step.match, nil
		}
	}

	candidates, err := s.graph.SearchEntities(ctx, name, fuzzyCandidate)
	if err != nil {
		return common.GraphEntity{}, MatchNone, err
	}
	var best common.GraphEntity
	bestScore := 0.0
	for _, c := range candidates {
		for _, n := range entityNames(c) {
			if score := canon.Similarity(name, n); score > bestScore {
				best, bestScore = c, score
			}
		}
	}
	if bestScore < s.threshold {
		return common.GraphEntity{}, MatchNone, nil
	}
	s.resolved.Set(key, resolution{best.GraphID, MatchFuzzy}, cache.DefaultExpiration)
	return best, MatchFuzzy, nil
}

// Forget drops cached name resolutions, for example after maintenance
// merged or deleted nodes.
func (s *Surface) Forget() { s.resolved.Flush() }

func entityNames(e common.GraphEntity) []string {
	names := []string{e.CanonicalName}
	if aliases, ok := e.Attributes["aliases"].([]any); ok {
		for _, a := range aliases {
			if str, ok := a.(string); ok && str != e.CanonicalName {
				names = append(names, str)
			}
		}
	}
	return names
}
