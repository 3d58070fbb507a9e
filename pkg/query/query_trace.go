package query

import (
	"slices"
	"sync"
)

type TraceEventKind string

const (
	TraceEventConsideredNodeIDs TraceEventKind = "considered_node_ids"
	TraceEventUsedNodeIDs       TraceEventKind = "used_node_ids"
	TraceEventUsedEdgeIDs       TraceEventKind = "used_edge_ids"
	TraceEventLookup            TraceEventKind = "lookup"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	NodeIDs []string
	EdgeIDs []string

	Name  string
	Match MatchKind
}

// Tracer is a sink for query tracing events.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordConsideredNodes(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventConsideredNodeIDs, NodeIDs: ids})
}

func RecordUsedNodes(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventUsedNodeIDs, NodeIDs: ids})
}

func RecordUsedEdges(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventUsedEdgeIDs, EdgeIDs: ids})
}

func RecordLookup(t Tracer, name string, match MatchKind) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventLookup, Name: name, Match: match})
}

// QueryTrace collects which graph elements a query looked at and which it
// used in the answer, and how entity names were resolved.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	considered map[string]struct{}
	usedNodes  map[string]struct{}
	usedEdges  map[string]struct{}
	lookups    map[string]MatchKind
}

type QueryTraceSnapshot struct {
	ConsideredNodeIDs []string             `json:"considered_node_ids"`
	UsedNodeIDs       []string             `json:"used_node_ids"`
	UsedEdgeIDs       []string             `json:"used_edge_ids"`
	Lookups           map[string]MatchKind `json:"lookups,omitempty"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		considered: make(map[string]struct{}),
		usedNodes:  make(map[string]struct{}),
		usedEdges:  make(map[string]struct{}),
		lookups:    make(map[string]MatchKind),
	}
}

func addIDs(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventConsideredNodeIDs:
		addIDs(t.considered, event.NodeIDs)
	case TraceEventUsedNodeIDs:
		addIDs(t.usedNodes, event.NodeIDs)
		addIDs(t.considered, event.NodeIDs)
	case TraceEventUsedEdgeIDs:
		addIDs(t.usedEdges, event.EdgeIDs)
	case TraceEventLookup:
		if event.Name != "" {
			t.lookups[event.Name] = event.Match
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := QueryTraceSnapshot{
		ConsideredNodeIDs: sortedKeys(t.considered),
		UsedNodeIDs:       sortedKeys(t.usedNodes),
		UsedEdgeIDs:       sortedKeys(t.usedEdges),
	}
	if len(t.lookups) > 0 {
		s.Lookups = make(map[string]MatchKind, len(t.lookups))
		for name, m := range t.lookups {
			s.Lookups[name] = m
		}
	}
	return s
}
