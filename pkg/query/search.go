package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/index"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

const maxFactEdges = 5

const answerPrompt = `You answer questions about people and companies using only the facts below.
If the facts do not answer the question, say that the graph holds no information about it.
Answer in a few sentences and do not invent names, roles or dates.

Facts:
%s`

// noDataAnswer is returned when no node matches the question.
const noDataAnswer = "The graph holds no information related to this question."

// search answers a free-form question from the best matching node
// summaries.
func (s *Surface) search(ctx context.Context, question string, history []ai.ChatMessage, trace *QueryTrace, emit func(Event) bool) error {
	hits, err := s.hits(ctx, question)
	if err != nil {
		return err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.GraphID
	}
	RecordConsideredNodes(trace, ids...)

	if len(hits) == 0 {
		emit(Event{Type: EventChunk, Content: noDataAnswer})
		return nil
	}

	sb := newSliceBuilder()
	names := make(map[string]string, len(hits))
	var facts []string
	for _, h := range hits {
		e, err := s.graph.GetEntity(ctx, h.GraphID)
		if err != nil {
			// The index can lag behind maintenance that removed a node.
			logger.Debug("[Query] Skipping stale index hit", "graph_id", h.GraphID, "err", err)
			continue
		}
		sb.node(e)
		names[e.GraphID] = e.CanonicalName
		facts = append(facts, index.Summary(e))
	}

	// Edges among the matched nodes.
	edgeFacts := 0
	for _, id := range sb.nodeIDs() {
		rels, err := s.graph.Relationships(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if sb.seenE[r.GraphID] {
				continue
			}
			sb.edge(r)
			if sb.seenE[r.GraphID] && edgeFacts < maxFactEdges {
				facts = append(facts, describeEdge(r, names))
				edgeFacts++
			}
		}
	}

	slice := sb.build()
	RecordUsedNodes(trace, sb.nodeIDs()...)
	RecordUsedEdges(trace, sb.edgeIDs()...)

	if s.client == nil {
		if !emit(Event{Type: EventChunk, Content: templateAnswer(facts)}) {
			return ctx.Err()
		}
		emit(Event{Type: EventGraph, Graph: &slice})
		return nil
	}

	messages := append(append([]ai.ChatMessage(nil), history...), ai.ChatMessage{Role: "user", Message: question})
	opts := []ai.GenerateOption{ai.WithSystemPrompts(fmt.Sprintf(answerPrompt, "- "+strings.Join(facts, "\n- ")))}
	if s.model != "" {
		opts = append(opts, ai.WithModel(s.model))
	}
	stream, err := s.client.GenerateChatStream(ctx, messages, opts...)
	if err != nil {
		return common.WrapError(common.LLMUnavailable, err, "answer stream")
	}
	for ev := range stream {
		switch ev.Type {
		case "content":
			if ev.Content == "" {
				continue
			}
			if !emit(Event{Type: EventChunk, Content: ev.Content}) {
				return ctx.Err()
			}
		case "error":
			if ev.Err == nil {
				return common.NewError(common.LLMUnavailable, "answer stream failed")
			}
			return common.WrapError(common.LLMUnavailable, ev.Err, "answer stream")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	emit(Event{Type: EventGraph, Graph: &slice})
	return nil
}

// hits searches the index when one is configured and the graph otherwise.
func (s *Surface) hits(ctx context.Context, question string) ([]index.Hit, error) {
	if s.index != nil {
		return s.index.Search(ctx, question, s.limit)
	}
	found, err := s.graph.SearchEntities(ctx, question, s.limit)
	if err != nil {
		return nil, err
	}
	hits := make([]index.Hit, len(found))
	for i, e := range found {
		hits[i] = index.Hit{GraphID: e.GraphID, Kind: e.Kind, CanonicalName: e.CanonicalName}
	}
	return hits, nil
}

func templateAnswer(facts []string) string {
	if len(facts) == 0 {
		return noDataAnswer
	}
	return "Here is what the graph knows:\n- " + strings.Join(facts, "\n- ")
}
