package query

import (
	"maps"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// sliceBuilder collects nodes and edges without duplicates, in insertion
// order. Slice IDs are graph IDs.
type sliceBuilder struct {
	nodes []common.SliceNode
	edges []common.SliceEdge
	seenN map[string]bool
	seenE map[string]bool
}

func newSliceBuilder() *sliceBuilder {
	return &sliceBuilder{seenN: map[string]bool{}, seenE: map[string]bool{}}
}

func (b *sliceBuilder) node(e common.GraphEntity) {
	if b.seenN[e.GraphID] {
		return
	}
	b.seenN[e.GraphID] = true
	attrs := maps.Clone(e.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["name"] = e.CanonicalName
	b.nodes = append(b.nodes, common.SliceNode{ID: e.GraphID, Kind: string(e.Kind), Attributes: attrs})
}

// edge adds e when both of its endpoints are already in the slice.
func (b *sliceBuilder) edge(e common.GraphRelationship) {
	if b.seenE[e.GraphID] || !b.seenN[e.SourceGraphID] || !b.seenN[e.TargetGraphID] {
		return
	}
	b.seenE[e.GraphID] = true
	attrs := maps.Clone(e.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	b.edges = append(b.edges, common.SliceEdge{
		ID:         e.GraphID,
		Kind:       string(e.Kind),
		SourceID:   e.SourceGraphID,
		TargetID:   e.TargetGraphID,
		Attributes: attrs,
	})
}

func (b *sliceBuilder) nodeIDs() []string {
	ids := make([]string, len(b.nodes))
	for i, n := range b.nodes {
		ids[i] = n.ID
	}
	return ids
}

func (b *sliceBuilder) edgeIDs() []string {
	ids := make([]string, len(b.edges))
	for i, e := range b.edges {
		ids[i] = e.ID
	}
	return ids
}

func (b *sliceBuilder) build() common.GraphSlice {
	s := common.GraphSlice{Nodes: b.nodes, Edges: b.edges}
	if s.Nodes == nil {
		s.Nodes = []common.SliceNode{}
	}
	if s.Edges == nil {
		s.Edges = []common.SliceEdge{}
	}
	return s
}
