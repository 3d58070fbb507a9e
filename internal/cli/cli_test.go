package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app/apptest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/aitest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	graphmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/memory"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
	stagingmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/memory"
)

const janeResponse = `{
  "people": ["Jane Smith"],
  "companies": ["Acme Corp"],
  "relationships": [
    {"source": "Jane Smith", "target": "Acme Corp", "kind": "Leadership", "attributes": {"role": "CEO", "start": 2019}}
  ]
}`

// stores keeps the in-memory stores alive across the Apps of one test.
type stores struct {
	graph   *graphmemory.Store
	staging *stagingmemory.Store
}

func newStores() stores {
	return stores{graph: graphmemory.New(), staging: stagingmemory.New()}
}

func (s stores) factory(t *testing.T) AppFactory {
	return func(ctx context.Context) (*app.App, error) {
		fake := &aitest.Fake{Respond: func(context.Context, string) (string, error) { return janeResponse, nil }}
		return apptest.New(t, fake, apptest.Config(), app.WithGraph(s.graph), app.WithStaging(s.staging)), nil
	}
}

func (s stores) ingest(t *testing.T) {
	t.Helper()
	a, _ := s.factory(t)(context.Background())
	defer a.Close(context.Background())
	events, err := a.Pipeline.Ingest(context.Background(), []pipeline.Input{{
		Title: "jane",
		Text:  "Jane Smith is the CEO of Acme Corp since 2019.",
	}}, a.Pipeline.DefaultOptions())
	if err != nil {
		t.Fatalf("expected ingestion to start, got %v", err)
	}
	var last pipeline.Event
	for ev := range events {
		last = ev
	}
	if err := app.TerminalError(last); err != nil {
		t.Fatalf("expected ingestion to complete, got %v", err)
	}
}

func execute(t *testing.T, s stores, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(s.factory(t))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "jane.txt")
	if err := os.WriteFile(text, []byte("Jane Smith is the CEO of Acme Corp since 2019."), 0o644); err != nil {
		t.Fatalf("expected fixture, got %v", err)
	}
	s := newStores()

	out, err := execute(t, s, "ingest", text, filepath.Join(dir, "missing.txt"), "--mode", "direct", "-o", "json")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var summary pipeline.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("expected json output, got %v: %s", err, out)
	}
	if summary.Documents != 1 || summary.Entities != 2 || summary.Relationships != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	gs, err := s.graph.Stats(context.Background())
	if err != nil || gs.Nodes[string(common.EntityPerson)] != 1 {
		t.Fatalf("expected Jane Smith promoted in direct mode, got %+v %v", gs, err)
	}

	_, err = execute(t, s, "ingest", filepath.Join(dir, "missing.txt"))
	if !common.IsKind(err, common.UnsupportedDocument) {
		t.Fatalf("expected UnsupportedDocument, got %v", err)
	}
	_, err = execute(t, s, "ingest", text, "--mode", "eventually")
	if !common.IsKind(err, common.InvalidConfig) {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := newStores()
	s.ingest(t)

	out, err := execute(t, s, "stats", "-o", "json")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var stats statsOutput
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("expected json output, got %v: %s", err, out)
	}
	if stats.Staging.Entities.Pending != 2 || stats.Staging.Relationships.Pending != 1 {
		t.Fatalf("expected 2 pending entities and 1 relationship, got %+v", stats.Staging)
	}
	if len(stats.Graph.Nodes) != 0 {
		t.Fatalf("expected an empty graph, got %+v", stats.Graph)
	}

	out, err = execute(t, s, "stats")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var plain map[string]any
	if err := yaml.Unmarshal([]byte(out), &plain); err != nil {
		t.Fatalf("expected yaml output, got %v: %s", err, out)
	}
	if _, ok := plain["staging"]; !ok {
		t.Fatalf("expected json field names as yaml keys, got %s", out)
	}
}

func TestApproveAllAndPromote(t *testing.T) {
	s := newStores()
	s.ingest(t)

	out, err := execute(t, s, "approve-all", "--promote", "--reviewer", "ops", "-o", "json")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var outcome approval.BulkOutcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("expected json output, got %v: %s", err, out)
	}
	if outcome.Approved.Entities != 2 || outcome.Approved.Relationships != 1 {
		t.Fatalf("expected all rows approved, got %+v", outcome.Approved)
	}
	if outcome.Promotion == nil || outcome.Promotion.Created != 3 {
		t.Fatalf("expected 3 graph items created, got %+v", outcome.Promotion)
	}

	st, err := s.staging.Statistics(context.Background(), "")
	if err != nil || st.Entities.Ingested != 2 {
		t.Fatalf("expected ingested entities, got %+v %v", st, err)
	}
	gs, err := s.graph.Stats(context.Background())
	if err != nil || gs.Nodes[string(common.EntityPerson)] != 1 || gs.Nodes[string(common.EntityCompany)] != 1 {
		t.Fatalf("expected one person and one company node, got %+v %v", gs, err)
	}
}

func TestCleanPending(t *testing.T) {
	s := newStores()
	s.ingest(t)

	docID := pipeline.DocumentID("jane", "Jane Smith is the CEO of Acme Corp since 2019.")
	if _, err := execute(t, s, "clean-pending", "--document", "doc-other"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	st, _ := s.staging.Statistics(context.Background(), docID)
	if st.Entities.Pending != 2 {
		t.Fatalf("expected other documents untouched, got %+v", st)
	}

	if _, err := execute(t, s, "clean-pending", "--document", docID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	st, _ = s.staging.Statistics(context.Background(), docID)
	if st.Entities.Pending != 0 || st.Relationships.Pending != 0 {
		t.Fatalf("expected pending rows removed, got %+v", st)
	}
}

func TestMaintenanceCommands(t *testing.T) {
	s := newStores()
	s.ingest(t)
	if _, err := execute(t, s, "approve-all", "--promote"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"ensure-indices"}, "status: ok"},
		{[]string{"normalize-labels"}, "updated:"},
		{[]string{"merge-duplicates", "--kind", "Person"}, "groups: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			out, err := execute(t, s, tt.args...)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Fatalf("expected %q in output, got %s", tt.want, out)
			}
		})
	}
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"output format", []string{"stats", "-o", "xml"}},
		{"entity kind", []string{"merge-duplicates", "--kind", "Planet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, newStores(), tt.args...)
			if !common.IsKind(err, common.InvalidConfig) {
				t.Fatalf("expected InvalidConfig, got %v", err)
			}
		})
	}
}
