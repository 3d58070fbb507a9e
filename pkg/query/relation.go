package query

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

const maxCommonNeighbours = 5

type relationAnswer struct {
	prose string
	slice common.GraphSlice
}

var relationVerbs = map[common.RelationKind]string{
	common.Leadership:      "leads",
	common.Employment:      "is employed by",
	common.BoardMembership: "sits on the board of",
	common.Ownership:       "owns",
	common.Partnership:     "partners with",
	common.Investment:      "invests in",
	common.Acquisition:     "acquired",
	common.Association:     "is associated with",
}

// relation answers a probe from the graph alone. It returns errNotResolved
// when neither name is in the graph.
func (s *Surface) relation(ctx context.Context, p Probe, trace *QueryTrace) (relationAnswer, error) {
	a, matchA, err := s.Lookup(ctx, p.A)
	if err != nil {
		return relationAnswer{}, err
	}
	RecordLookup(trace, p.A, matchA)
	b, matchB, err := s.Lookup(ctx, p.B)
	if err != nil {
		return relationAnswer{}, err
	}
	RecordLookup(trace, p.B, matchB)

	switch {
	case matchA == MatchNone && matchB == MatchNone:
		return relationAnswer{}, errNotResolved
	case matchA == MatchNone || matchB == MatchNone:
		found, missing := a, p.B
		if matchA == MatchNone {
			found, missing = b, p.A
		}
		RecordUsedNodes(trace, found.GraphID)
		sb := newSliceBuilder()
		sb.node(found)
		return relationAnswer{
			prose: fmt.Sprintf("%s is in the graph, but %s is not.", found.CanonicalName, missing),
			slice: sb.build(),
		}, nil
	case a.GraphID == b.GraphID:
		RecordUsedNodes(trace, a.GraphID)
		sb := newSliceBuilder()
		sb.node(a)
		return relationAnswer{
			prose: fmt.Sprintf("%s and %s refer to the same entity, %s.", p.A, p.B, a.CanonicalName),
			slice: sb.build(),
		}, nil
	}

	edgesA, err := s.graph.Relationships(ctx, a.GraphID)
	if err != nil {
		return relationAnswer{}, err
	}
	edgesB, err := s.graph.Relationships(ctx, b.GraphID)
	if err != nil {
		return relationAnswer{}, err
	}
	RecordConsideredNodes(trace, a.GraphID, b.GraphID)

	sb := newSliceBuilder()
	sb.node(a)
	sb.node(b)
	names := map[string]string{a.GraphID: a.CanonicalName, b.GraphID: b.CanonicalName}

	var sentences []string
	for _, e := range edgesA {
		if other(e, a.GraphID) == b.GraphID {
			sb.edge(e)
			sentences = append(sentences, describeEdge(e, names))
		}
	}

	// Nodes adjacent to both sides.
	neighboursA := make(map[string]common.GraphRelationship)
	for _, e := range edgesA {
		if n := other(e, a.GraphID); n != b.GraphID {
			neighboursA[n] = e
		}
	}
	type shared struct {
		node   common.GraphEntity
		viaA   common.GraphRelationship
		viaB   common.GraphRelationship
		sortBy string
	}
	var commons []shared
	for _, e := range edgesB {
		n := other(e, b.GraphID)
		viaA, ok := neighboursA[n]
		if !ok || n == a.GraphID {
			continue
		}
		delete(neighboursA, n)
		node, err := s.graph.GetEntity(ctx, n)
		if err != nil {
			return relationAnswer{}, err
		}
		commons = append(commons, shared{node, viaA, e, strings.ToLower(node.CanonicalName)})
	}
	slices.SortFunc(commons, func(x, y shared) int { return strings.Compare(x.sortBy, y.sortBy) })
	if len(commons) > maxCommonNeighbours {
		commons = commons[:maxCommonNeighbours]
	}
	for _, c := range commons {
		names[c.node.GraphID] = c.node.CanonicalName
		RecordConsideredNodes(trace, c.node.GraphID)
		sb.node(c.node)
		sb.edge(c.viaA)
		sb.edge(c.viaB)
		sentences = append(sentences, fmt.Sprintf("Both are connected to %s: %s; %s.",
			c.node.CanonicalName,
			strings.TrimSuffix(describeEdge(c.viaA, names), "."),
			strings.TrimSuffix(describeEdge(c.viaB, names), ".")))
	}

	slice := sb.build()
	RecordUsedNodes(trace, sb.nodeIDs()...)
	RecordUsedEdges(trace, sb.edgeIDs()...)
	if len(sentences) == 0 {
		return relationAnswer{
			prose: fmt.Sprintf("No relationship between %s and %s was found in the graph.", a.CanonicalName, b.CanonicalName),
			slice: slice,
		}, nil
	}
	return relationAnswer{prose: strings.Join(sentences, " "), slice: slice}, nil
}

func other(e common.GraphRelationship, id string) string {
	if e.SourceGraphID == id {
		return e.TargetGraphID
	}
	return e.SourceGraphID
}

// describeEdge renders an edge as one sentence, for example
// "Jane Smith leads Acme Corp as CEO since 2019."
func describeEdge(e common.GraphRelationship, names map[string]string) string {
	verb, ok := relationVerbs[e.Kind]
	if !ok {
		verb = "is related to"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", nameOf(names, e.SourceGraphID), verb, nameOf(names, e.TargetGraphID))
	if role := attrString(e.Attributes, "role", "title", "position"); role != "" {
		fmt.Fprintf(&b, " as %s", role)
	}
	if start := attrString(e.Attributes, "start"); start != "" {
		fmt.Fprintf(&b, " since %s", start)
	}
	if end := attrString(e.Attributes, "end"); end != "" {
		fmt.Fprintf(&b, " until %s", end)
	}
	if current, ok := e.Attributes["is_current"].(bool); ok && !current {
		b.WriteString(" (former)")
	}
	b.WriteString(".")
	return b.String()
}

func nameOf(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

func attrString(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%g", v)
		}
	}
	return ""
}
