package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

type questionAnalysis struct {
	Relationship bool     `json:"relationship" jsonschema_description:"True when the question asks how two named people or companies are related"`
	Entities     []string `json:"entities" jsonschema_description:"Names of the people or companies mentioned in the question, in order of appearance"`
}

const analysisPrompt = `Analyze the question below and answer with one JSON object matching this schema:
%s

Question: %s`

// analyze asks the LLM to find the names in a question the heuristics
// could not parse. Failures fall back to a regular search.
func (s *Surface) analyze(ctx context.Context, question string) (Probe, bool) {
	schema, err := json.Marshal(ai.GenerateSchema(questionAnalysis{}))
	if err != nil {
		return Probe{}, false
	}
	opts := []ai.GenerateOption{ai.WithJSONMode(), ai.WithTemperature(0)}
	if s.model != "" {
		opts = append(opts, ai.WithModel(s.model))
	}
	raw, err := s.client.GenerateCompletion(ctx, fmt.Sprintf(analysisPrompt, schema, question), opts...)
	if err != nil {
		logger.Warn("[Query] Question analysis failed", "err", err)
		return Probe{}, false
	}

	var out questionAnalysis
	if err := ai.UnmarshalFlexible(raw, &out); err != nil {
		logger.Warn("[Query] Question analysis unreadable", "err", err)
		return Probe{}, false
	}
	var names []string
	for _, n := range out.Entities {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if !out.Relationship || len(names) < 2 {
		return Probe{}, false
	}
	return Probe{A: names[0], B: names[1]}, true
}
