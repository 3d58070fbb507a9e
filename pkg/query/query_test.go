package query

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/aitest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/extract"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	graphmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/memory"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/index"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/promote"
	stagingmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/memory"
)

const janeResponse = `{
  "people": ["Jane Smith"],
  "companies": ["Acme Corp"],
  "corporate_roles": {"ceo_coo": ["Jane Smith (CEO)"]},
  "relationships": [
    {"source": "Jane Smith", "target": "Acme Corp", "kind": "Leadership", "attributes": {"role": "CEO", "start": 2019}}
  ]
}`

// promoted ingests the Jane Smith document, approves and promotes it.
func promoted(t *testing.T) *graphmemory.Store {
	t.Helper()
	ctx := context.Background()
	fake := &aitest.Fake{Respond: func(context.Context, string) (string, error) { return janeResponse, nil }}
	s := stagingmemory.New()
	g := graphmemory.New()
	svc := approval.New(approval.Params{
		Staging:  s,
		Promoter: promote.New(promote.Params{Staging: s, Graph: g}),
	})
	p, err := pipeline.New(pipeline.Params{
		Extractor:      extract.New(extract.Params{Client: fake}),
		Staging:        s,
		Graph:          g,
		Approval:       svc,
		ChunkerOptions: []chunker.Option{chunker.WithTokenCounter(chunker.EstimateTokens)},
	})
	if err != nil {
		t.Fatalf("expected pipeline, got %v", err)
	}
	text := "Jane Smith is the CEO of Acme Corp since 2019."
	ch, err := p.Ingest(ctx, []pipeline.Input{{Title: "Acme leadership", Text: text}}, p.DefaultOptions())
	if err != nil {
		t.Fatalf("expected ingestion, got %v", err)
	}
	events := pipeline.Drain(ch)
	if end := events[len(events)-1]; end.Type != pipeline.EventComplete {
		t.Fatalf("expected complete, got %+v", end)
	}
	out, err := svc.ApproveAndPromote(ctx, pipeline.DocumentID("Acme leadership", text), "reviewer-1")
	if err != nil || out.Promotion == nil || out.Promotion.Created != 3 {
		t.Fatalf("expected 3 graph elements promoted, got %+v %v", out.Promotion, err)
	}
	return g
}

func TestAnswerRelationshipProbe(t *testing.T) {
	g := promoted(t)
	s := New(Params{Graph: g})

	ans, err := s.Answer(context.Background(), Request{Question: "What is the relationship between Jane Smith and Acme Corp?"})
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	if ans.Mode != ModeRelation {
		t.Fatalf("expected relation mode, got %s", ans.Mode)
	}
	if !strings.Contains(ans.Prose, "CEO") || !strings.Contains(ans.Prose, "Acme Corp") {
		t.Fatalf("expected prose naming the role and company, got %q", ans.Prose)
	}
	if want := "Jane Smith leads Acme Corp as CEO since 2019."; ans.Prose != want {
		t.Fatalf("expected %q, got %q", want, ans.Prose)
	}
	if ans.Slice == nil || len(ans.Slice.Nodes) != 2 || len(ans.Slice.Edges) != 1 {
		t.Fatalf("expected 2 nodes and 1 edge, got %+v", ans.Slice)
	}
	edge := ans.Slice.Edges[0]
	if edge.Kind != string(common.Leadership) {
		t.Fatalf("expected a Leadership edge, got %s", edge.Kind)
	}
	ids := map[string]bool{ans.Slice.Nodes[0].ID: true, ans.Slice.Nodes[1].ID: true}
	if !ids[edge.SourceID] || !ids[edge.TargetID] {
		t.Fatalf("expected edge endpoints inside the slice, got %+v", edge)
	}
	if !reflect.DeepEqual(ans.Trace.Lookups, map[string]MatchKind{"Jane Smith": MatchExact, "Acme Corp": MatchExact}) {
		t.Fatalf("unexpected lookups %v", ans.Trace.Lookups)
	}
	if !reflect.DeepEqual(ans.Trace.UsedEdgeIDs, []string{edge.ID}) {
		t.Fatalf("expected used edge %s, got %v", edge.ID, ans.Trace.UsedEdgeIDs)
	}
}

type seeded struct {
	graph *graphmemory.Store
	ids   map[string]string
}

func seed(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()
	g := graphmemory.New()
	ids := map[string]string{}
	for _, e := range []struct {
		kind    common.EntityKind
		name    string
		aliases []any
	}{
		{common.EntityPerson, "Jane Smith", []any{"Jane Smith", "J. Smith"}},
		{common.EntityPerson, "John Doe", nil},
		{common.EntityCompany, "Acme Corp", nil},
		{common.EntityCompany, "Globex Ltd", nil},
		{common.EntityPerson, "Mary Major", nil},
	} {
		attrs := map[string]any{}
		if e.aliases != nil {
			attrs["aliases"] = e.aliases
		}
		n, _, err := g.UpsertEntity(ctx, graphstore.EntityUpsert{Kind: e.kind, CanonicalName: e.name, Attributes: attrs})
		if err != nil {
			t.Fatalf("expected seed node, got %v", err)
		}
		ids[e.name] = n.GraphID
	}
	for _, r := range []struct {
		from, to string
		kind     common.RelationKind
		attrs    map[string]any
	}{
		{"Jane Smith", "Acme Corp", common.Employment, map[string]any{"role": "Engineer", "is_current": false, "end": "2018"}},
		{"John Doe", "Acme Corp", common.BoardMembership, nil},
		{"Acme Corp", "Globex Ltd", common.Partnership, nil},
	} {
		_, _, err := g.UpsertRelationship(ctx, graphstore.RelationshipUpsert{
			SourceID: ids[r.from], TargetID: ids[r.to], Kind: r.kind, Attributes: r.attrs,
		})
		if err != nil {
			t.Fatalf("expected seed edge, got %v", err)
		}
	}
	return seeded{graph: g, ids: ids}
}

func TestLookup(t *testing.T) {
	sd := seed(t)
	s := New(Params{Graph: sd.graph})

	tests := []struct {
		name  string
		want  string
		match MatchKind
	}{
		{"Jane Smith", "Jane Smith", MatchExact},
		{"acme corp", "Acme Corp", MatchFoldCase},
		{"Jane Smyth", "Jane Smith", MatchFuzzy},
		{"Glob", "", MatchNone},
		{"Initech", "", MatchNone},
		{"  ", "", MatchNone},
	}
	for _, tt := range tests {
		e, match, err := s.Lookup(context.Background(), tt.name)
		if err != nil {
			t.Fatalf("%q: expected lookup, got %v", tt.name, err)
		}
		if match != tt.match || e.CanonicalName != tt.want {
			t.Fatalf("%q: expected %q (%s), got %q (%s)", tt.name, tt.want, tt.match, e.CanonicalName, match)
		}
	}
}

func TestLookupCacheDropsDeletedNodes(t *testing.T) {
	ctx := context.Background()
	sd := seed(t)
	s := New(Params{Graph: sd.graph})

	if _, match, _ := s.Lookup(ctx, "john doe"); match != MatchFoldCase {
		t.Fatalf("expected case-insensitive match, got %s", match)
	}
	if err := sd.graph.Clear(ctx); err != nil {
		t.Fatalf("expected clear, got %v", err)
	}
	if _, match, err := s.Lookup(ctx, "john doe"); err != nil || match != MatchNone {
		t.Fatalf("expected no match after clear, got %s %v", match, err)
	}
}

func TestAnswerCommonNeighbour(t *testing.T) {
	sd := seed(t)
	s := New(Params{Graph: sd.graph})

	ans, err := s.Answer(context.Background(), Request{Question: `How is "John Doe" connected to "Globex Ltd"?`})
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	want := "Both are connected to Acme Corp: John Doe sits on the board of Acme Corp; Acme Corp partners with Globex Ltd."
	if ans.Prose != want {
		t.Fatalf("expected %q, got %q", want, ans.Prose)
	}
	if len(ans.Slice.Nodes) != 3 || len(ans.Slice.Edges) != 2 {
		t.Fatalf("expected 3 nodes and 2 edges, got %+v", ans.Slice)
	}
}

func TestAnswerRelationVariants(t *testing.T) {
	sd := seed(t)
	s := New(Params{Graph: sd.graph})

	tests := []struct {
		question string
		prose    string
		nodes    int
	}{
		{
			"What is the relationship between Jane Smith and Acme Corp?",
			"Jane Smith is employed by Acme Corp as Engineer until 2018 (former).",
			2,
		},
		{
			"Is there a relationship between Jane Smith and Initech?",
			"Jane Smith is in the graph, but Initech is not.",
			1,
		},
		{
			`Are "Jane Smith" and "J. Smith" related?`,
			"Jane Smith and J. Smith refer to the same entity, Jane Smith.",
			1,
		},
		{
			"What is the relationship between Mary Major and Globex Ltd?",
			"No relationship between Mary Major and Globex Ltd was found in the graph.",
			2,
		},
	}
	for _, tt := range tests {
		ans, err := s.Answer(context.Background(), Request{Question: tt.question})
		if err != nil {
			t.Fatalf("%q: expected answer, got %v", tt.question, err)
		}
		if ans.Prose != tt.prose {
			t.Fatalf("%q: expected %q, got %q", tt.question, tt.prose, ans.Prose)
		}
		if len(ans.Slice.Nodes) != tt.nodes {
			t.Fatalf("%q: expected %d nodes, got %d", tt.question, tt.nodes, len(ans.Slice.Nodes))
		}
	}
}

func TestSearchWithoutClient(t *testing.T) {
	sd := seed(t)
	s := New(Params{Graph: sd.graph})

	ans, err := s.Answer(context.Background(), Request{Question: "Tell me about Globex"})
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	if ans.Mode != ModeSearch || !strings.Contains(ans.Prose, "Globex Ltd is a company.") {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if len(ans.Slice.Nodes) != 1 || len(ans.Slice.Edges) != 0 {
		t.Fatalf("expected one node, got %+v", ans.Slice)
	}

	ans, err = s.Answer(context.Background(), Request{Question: "Who founded Initech?"})
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	if ans.Prose != noDataAnswer || ans.Slice != nil {
		t.Fatalf("expected the no-data answer, got %+v", ans)
	}
}

func TestStreamSearchWithIndex(t *testing.T) {
	ctx := context.Background()
	sd := seed(t)
	idx := index.NewMemory(nil)
	for _, id := range sd.ids {
		e, err := sd.graph.GetEntity(ctx, id)
		if err != nil {
			t.Fatalf("expected node, got %v", err)
		}
		if err := idx.IndexEntity(ctx, e); err != nil {
			t.Fatalf("expected indexing, got %v", err)
		}
	}
	var seen []ai.ChatMessage
	fake := &aitest.Fake{Answer: func(msgs []ai.ChatMessage) (string, error) {
		seen = msgs
		return "Acme Corp partners with Globex Ltd.", nil
	}}
	s := New(Params{Graph: sd.graph, Index: idx, Client: fake, DisableAnalysis: true})

	history := []ai.ChatMessage{{Role: "user", Message: "hi"}, {Role: "assistant", Message: "hello"}}
	ch, err := s.Stream(ctx, Request{Question: "Who does Acme partner with?", History: history})
	if err != nil {
		t.Fatalf("expected stream, got %v", err)
	}
	var prose strings.Builder
	var types []EventType
	var slice *common.GraphSlice
	for ev := range ch {
		types = append(types, ev.Type)
		switch ev.Type {
		case EventChunk:
			prose.WriteString(ev.Content)
		case EventGraph:
			slice = ev.Graph
		case EventError:
			t.Fatalf("unexpected error %+v", ev.Error)
		}
	}
	if prose.String() != "Acme Corp partners with Globex Ltd." {
		t.Fatalf("unexpected prose %q", prose.String())
	}
	if n := len(types); n < 3 || types[n-2] != EventGraph || types[n-1] != EventDone {
		t.Fatalf("expected chunks, graph, done; got %v", types)
	}
	if slice == nil || len(slice.Nodes) == 0 {
		t.Fatalf("expected matched nodes in the slice, got %+v", slice)
	}
	if len(seen) != 3 || seen[2].Message != "Who does Acme partner with?" {
		t.Fatalf("expected history plus the question, got %+v", seen)
	}
}

func TestStreamReportsLLMFailure(t *testing.T) {
	sd := seed(t)
	fake := &aitest.Fake{Answer: func([]ai.ChatMessage) (string, error) { return "", errors.New("connection refused") }}
	s := New(Params{Graph: sd.graph, Client: fake, DisableAnalysis: true})

	ch, err := s.Stream(context.Background(), Request{Question: "Tell me about Globex"})
	if err != nil {
		t.Fatalf("expected stream, got %v", err)
	}
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	end := events[len(events)-1]
	if end.Type != EventError || end.Error.Kind != common.LLMUnavailable || end.Error.Phase != common.PhaseQuery {
		t.Fatalf("expected LLMUnavailable in query phase, got %+v", end)
	}
}

func TestEmptyQuestion(t *testing.T) {
	s := New(Params{Graph: graphmemory.New()})
	if _, err := s.Stream(context.Background(), Request{Question: " "}); !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
	if _, err := s.Answer(context.Background(), Request{}); !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
}

func TestAnalysisFindsNames(t *testing.T) {
	sd := seed(t)
	fake := &aitest.Fake{Respond: func(context.Context, string) (string, error) {
		// Unquoted keys are repaired.
		return "```json\n{relationship: true, entities: [\"john doe\", \"acme corp\"]}\n```", nil
	}}
	s := New(Params{Graph: sd.graph, Client: fake})

	ans, err := s.Answer(context.Background(), Request{Question: "how is john doe related to acme corp?"})
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	if ans.Mode != ModeRelation || ans.Prose != "John Doe sits on the board of Acme Corp." {
		t.Fatalf("unexpected answer %+v", ans)
	}
	opts := fake.Options()
	if len(opts) != 1 || !opts[0].JSONMode {
		t.Fatalf("expected one JSON mode analysis call, got %+v", opts)
	}
}

func TestSessions(t *testing.T) {
	s := NewSessions(time.Minute, 2)
	for i, q := range []string{"one", "two", "three"} {
		s.Append("abc", ai.ChatMessage{Role: "user", Message: q}, ai.ChatMessage{Role: "assistant", Message: strings.Repeat("a", i+1)})
	}
	h := s.History("abc")
	if len(h) != 4 || h[0].Message != "two" || h[3].Message != "aaa" {
		t.Fatalf("expected the last two turns, got %+v", h)
	}
	h[0].Message = "changed"
	if s.History("abc")[0].Message != "two" {
		t.Fatalf("expected History to return a copy")
	}
	s.Reset("abc")
	if s.History("abc") != nil {
		t.Fatalf("expected reset session to be empty")
	}
	s.Append("", ai.ChatMessage{Role: "user", Message: "x"})
	if s.History("") != nil {
		t.Fatalf("expected anonymous sessions to be ignored")
	}
}

func TestDetectProbe(t *testing.T) {
	tests := []struct {
		question string
		want     Probe
		ok       bool
	}{
		{"What is the relationship between Jane Smith and Acme Corp?", Probe{"Jane Smith", "Acme Corp"}, true},
		{`How is "Jane Smith" connected to "Acme"?`, Probe{"Jane Smith", "Acme"}, true},
		{"Is Jane Smith related to Bank of America?", Probe{"Jane Smith", "Bank of America"}, true},
		{"What is the connection between Dr. Ada Lovelace and Acme Corp.?", Probe{"Dr. Ada Lovelace", "Acme Corp"}, true},
		{"Who leads Acme Corp?", Probe{}, false},
		{"What relationships does Acme Corp have?", Probe{}, false},
	}
	for _, tt := range tests {
		got, ok := DetectProbe(tt.question)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("%q: expected %+v %v, got %+v %v", tt.question, tt.want, tt.ok, got, ok)
		}
	}
}
