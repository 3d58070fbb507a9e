// Package query answers natural-language questions from the property
// graph. Questions about how two named entities are related get a
// structured answer with a graph slice; anything else goes through a
// semantic or keyword search over node summaries.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/canon"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/index"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// Mode tells how a question was answered.
type Mode string

const (
	ModeRelation Mode = "relation"
	ModeSearch   Mode = "search"
)

// Params configures a Surface. Graph is required. Without Index the
// search falls back to the graph's keyword search; without Client answers
// are composed from templates and question analysis is skipped.
type Params struct {
	Graph  graphstore.Store
	Index  index.Index
	Client ai.GraphAIClient
	// Similarity is the minimum Jaro-Winkler score of a fuzzy name match.
	Similarity float64
	// SearchLimit bounds the nodes a search answer is built from.
	SearchLimit int
	// ResolveTTL is how long resolved names are cached.
	ResolveTTL time.Duration
	// DisableAnalysis turns off the LLM fallback for relation questions
	// whose names the heuristics cannot find.
	DisableAnalysis bool
	Model           string
}

// Surface answers questions. It is safe for concurrent use.
type Surface struct {
	graph     graphstore.Store
	index     index.Index
	client    ai.GraphAIClient
	threshold float64
	limit     int
	analysis  bool
	model     string
	resolved  *cache.Cache
}

// New creates a Surface.
func New(p Params) *Surface {
	if p.Similarity <= 0 || p.Similarity > 1 {
		p.Similarity = canon.DefaultThreshold
	}
	if p.SearchLimit <= 0 {
		p.SearchLimit = 5
	}
	if p.ResolveTTL <= 0 {
		p.ResolveTTL = time.Minute
	}
	return &Surface{
		graph:     p.Graph,
		index:     p.Index,
		client:    p.Client,
		threshold: p.Similarity,
		limit:     p.SearchLimit,
		analysis:  p.Client != nil && !p.DisableAnalysis,
		model:     p.Model,
		resolved:  cache.New(p.ResolveTTL, 2*p.ResolveTTL),
	}
}

// Request is one question, optionally with earlier turns of the
// conversation.
type Request struct {
	Question string           `json:"question" validate:"required"`
	History  []ai.ChatMessage `json:"history,omitempty"`
}

// EventType names the elements of an answer stream.
type EventType string

const (
	EventChunk EventType = "chunk"
	EventGraph EventType = "graph"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one element of an answer stream. The stream carries prose
// chunks, at most one graph slice and ends with done or error.
type Event struct {
	Type    EventType           `json:"type"`
	Content string              `json:"content,omitempty"`
	Graph   *common.GraphSlice  `json:"graph,omitempty"`
	Mode    Mode                `json:"mode,omitempty"`
	Trace   *QueryTraceSnapshot `json:"trace,omitempty"`
	Error   *common.ErrorInfo   `json:"error,omitempty"`
}

// Answer is a complete answer.
type Answer struct {
	Prose string             `json:"prose"`
	Slice *common.GraphSlice `json:"graph_slice,omitempty"`
	Mode  Mode               `json:"mode"`
	Trace QueryTraceSnapshot `json:"trace"`
}

// Answer answers a question and returns the whole answer at once.
func (s *Surface) Answer(ctx context.Context, req Request) (Answer, error) {
	var out Answer
	var prose strings.Builder
	trace := NewQueryTrace()
	mode, err := s.run(ctx, req, trace, func(ev Event) bool {
		switch ev.Type {
		case EventChunk:
			prose.WriteString(ev.Content)
		case EventGraph:
			out.Slice = ev.Graph
		}
		return true
	})
	if err != nil {
		return out, err
	}
	out.Prose = prose.String()
	out.Mode = mode
	out.Trace = trace.Snapshot()
	return out, nil
}

// Stream answers a question incrementally. The channel is closed after
// the done or error event, or when ctx ends.
func (s *Surface) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, emptyQuestion()
	}
	out := make(chan Event, 16)
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		trace := NewQueryTrace()
		mode, err := s.run(ctx, req, trace, emit)
		if err != nil {
			info := common.Describe(err)
			emit(Event{Type: EventError, Error: &info})
			return
		}
		snapshot := trace.Snapshot()
		emit(Event{Type: EventDone, Mode: mode, Trace: &snapshot})
	}()
	return out, nil
}

func emptyQuestion() error {
	return common.NewError(common.InvalidConfig, "question must not be empty").WithPhase(common.PhaseQuery)
}

var errNotResolved = errors.New("no entity of the question is in the graph")

// run answers req, sending chunks and the graph slice to emit. emit
// returns false once the consumer is gone.
func (s *Surface) run(ctx context.Context, req Request, trace *QueryTrace, emit func(Event) bool) (Mode, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return "", emptyQuestion()
	}

	if probe, ok := s.plan(ctx, question); ok {
		ans, err := s.relation(ctx, probe, trace)
		switch {
		case err == nil:
			logger.Debug("[Query] Answered relation probe", "a", probe.A, "b", probe.B)
			if !emit(Event{Type: EventChunk, Content: ans.prose}) {
				return ModeRelation, queryErr(ctx.Err())
			}
			emit(Event{Type: EventGraph, Graph: &ans.slice})
			return ModeRelation, nil
		case errors.Is(err, errNotResolved):
			logger.Debug("[Query] Relation probe names not in graph, searching", "a", probe.A, "b", probe.B)
		default:
			return ModeRelation, queryErr(err)
		}
	}

	if err := s.search(ctx, question, req.History, trace, emit); err != nil {
		return ModeSearch, queryErr(err)
	}
	return ModeSearch, nil
}

// plan decides whether the question is a relationship probe.
func (s *Surface) plan(ctx context.Context, question string) (Probe, bool) {
	if p, ok := DetectProbe(question); ok {
		return p, true
	}
	if s.analysis && relationWordRe.MatchString(question) {
		return s.analyze(ctx, question)
	}
	return Probe{}, false
}

func queryErr(err error) error {
	if err == nil {
		return nil
	}
	e := common.AsError(err)
	if e.Phase == "" {
		e = e.WithPhase(common.PhaseQuery)
	}
	return e
}
