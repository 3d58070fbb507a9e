package promote

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	graphmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/memory"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
	stagingmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/memory"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/stagingtest"
)

type fixture struct {
	staging  *stagingmemory.Store
	graph    *graphmemory.Store
	promoter *Promoter
}

func newFixture() fixture {
	s := stagingmemory.New()
	g := graphmemory.New()
	return fixture{staging: s, graph: g, promoter: New(Params{Staging: s, Graph: g})}
}

func reviewer() *string {
	r := "reviewer-1"
	return &r
}

func (f fixture) stageJane(t *testing.T, documentID string) staging.InsertResult {
	t.Helper()
	res, err := f.staging.InsertCandidates(context.Background(), documentID, stagingtest.JaneSet(documentID), "")
	if err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	return res
}

func (f fixture) approveAll(t *testing.T, documentID string) {
	t.Helper()
	_, err := f.staging.BulkSetStatus(context.Background(), staging.Filter{DocumentID: documentID},
		staging.Update{Status: common.StatusApproved, ReviewerID: reviewer()})
	if err != nil {
		t.Fatalf("expected approval to succeed, got %v", err)
	}
}

func findOne(t *testing.T, g graphstore.Store, kind common.EntityKind, name string) common.GraphEntity {
	t.Helper()
	found, err := g.FindEntities(context.Background(), graphstore.EntityQuery{Kind: kind, Name: name})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected one %s named %q, got %d (%v)", kind, name, len(found), err)
	}
	return found[0]
}

func TestPromoteCreatesNodesAndEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ins := f.stageJane(t, "doc-1")
	f.approveAll(t, "doc-1")

	report, err := f.promoter.Promote(ctx, staging.Filter{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("expected promotion to succeed, got %v", err)
	}
	if report.Entities != 2 || report.Relationships != 1 || report.Created != 3 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	jane := findOne(t, f.graph, common.EntityPerson, "Jane Smith")
	acme := findOne(t, f.graph, common.EntityCompany, "Acme Corp")
	if !reflect.DeepEqual(jane.Labels, []string{"Person"}) || !reflect.DeepEqual(acme.Labels, []string{"Company"}) {
		t.Fatalf("expected single labels, got %v and %v", jane.Labels, acme.Labels)
	}
	if _, ok := jane.Attributes["kind_hint"]; ok {
		t.Fatalf("expected kind_hint to stay in staging, got %v", jane.Attributes)
	}

	edges, err := f.graph.Relationships(ctx, jane.GraphID)
	if err != nil || len(edges) != 1 {
		t.Fatalf("expected one edge, got %d (%v)", len(edges), err)
	}
	edge := edges[0]
	if edge.Kind != common.Leadership || edge.SourceGraphID != jane.GraphID || edge.TargetGraphID != acme.GraphID {
		t.Fatalf("unexpected edge %+v", edge)
	}
	want := map[string]any{"role": "CEO", "start": "2019", "is_current": true}
	if !reflect.DeepEqual(edge.Attributes, want) {
		t.Fatalf("expected %v, got %v", want, edge.Attributes)
	}

	staged, err := f.staging.GetEntity(ctx, ins.EntityIDs[0])
	if err != nil {
		t.Fatalf("expected staged row, got %v", err)
	}
	if staged.Status != common.StatusIngested || staged.GraphID == nil || *staged.GraphID != jane.GraphID {
		t.Fatalf("expected row ingested into %s, got %+v", jane.GraphID, staged)
	}
	rel, _ := f.staging.GetRelationship(ctx, ins.RelationshipIDs[0])
	if rel.Status != common.StatusIngested || rel.GraphID == nil || *rel.GraphID != edge.GraphID {
		t.Fatalf("expected relationship ingested into %s, got %+v", edge.GraphID, rel)
	}
}

func snapshot(t *testing.T, g graphstore.Store) ([]common.GraphEntity, []common.GraphRelationship) {
	t.Helper()
	ctx := context.Background()
	nodes, err := g.ListEntities(ctx, "")
	if err != nil {
		t.Fatalf("expected nodes, got %v", err)
	}
	var edges []common.GraphRelationship
	for _, n := range nodes {
		list, err := g.Relationships(ctx, n.GraphID)
		if err != nil {
			t.Fatalf("expected edges, got %v", err)
		}
		edges = append(edges, list...)
	}
	return nodes, edges
}

func TestPromoteTwiceLeavesGraphUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.stageJane(t, "doc-1")
	f.approveAll(t, "doc-1")

	if _, err := f.promoter.Promote(ctx, staging.Filter{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("expected first promotion to succeed, got %v", err)
	}
	nodes, edges := snapshot(t, f.graph)

	report, err := f.promoter.Promote(ctx, staging.Filter{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("expected second promotion to succeed, got %v", err)
	}
	if report.Entities != 0 || report.Relationships != 0 {
		t.Fatalf("expected nothing left to promote, got %+v", report)
	}
	nodes2, edges2 := snapshot(t, f.graph)
	if !reflect.DeepEqual(nodes, nodes2) || !reflect.DeepEqual(edges, edges2) {
		t.Fatalf("expected identical graph after second promotion")
	}
}

func TestPromoteSecondDocumentMergesIntoExistingNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, doc := range []string{"doc-1", "doc-2"} {
		f.stageJane(t, doc)
		f.approveAll(t, doc)
	}
	report, err := f.promoter.Promote(ctx, staging.Filter{})
	if err != nil {
		t.Fatalf("expected promotion to succeed, got %v", err)
	}
	if report.Created != 3 || report.Updated != 3 {
		t.Fatalf("expected 3 created and 3 updated, got %+v", report)
	}
	stats, _ := f.graph.Stats(ctx)
	if stats.Nodes["Person"] != 1 || stats.Nodes["Company"] != 1 || stats.Edges["Leadership"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	jane := findOne(t, f.graph, common.EntityPerson, "Jane Smith")
	if len(jane.Provenance) != 2 {
		t.Fatalf("expected provenance from both documents, got %v", jane.Provenance)
	}
}

func TestPromoteUnresolvedEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ins := f.stageJane(t, "doc-1")
	relID := ins.RelationshipIDs[0]
	if err := f.staging.SetStatus(ctx, relID, staging.Update{Status: common.StatusApproved, ReviewerID: reviewer()}); err != nil {
		t.Fatalf("expected approval to succeed, got %v", err)
	}

	report, err := f.promoter.Promote(ctx, staging.Filter{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("expected promotion to record the failure, got %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].StagedID != relID || report.Failures[0].Kind != common.UnresolvedEndpoint {
		t.Fatalf("expected UnresolvedEndpoint for %s, got %+v", relID, report.Failures)
	}
	rel, _ := f.staging.GetRelationship(ctx, relID)
	if rel.Status != common.StatusApproved {
		t.Fatalf("expected relationship to stay approved, got %s", rel.Status)
	}
}

func TestPromoteSkipsSelfEdge(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ins := f.stageJane(t, "doc-1")
	f.approveAll(t, "doc-1")

	node := f.graph.SeedEntity(common.GraphEntity{Kind: common.EntityCompany, CanonicalName: "Acme Corp"})
	for _, id := range ins.EntityIDs {
		if err := f.staging.MarkIngested(ctx, id, node.GraphID, node.CreatedAt); err != nil {
			t.Fatalf("expected mark to succeed, got %v", err)
		}
	}

	report, err := f.promoter.Promote(ctx, staging.Filter{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("expected promotion to succeed, got %v", err)
	}
	if report.Skipped != 1 || len(report.Warnings) != 1 || report.Relationships != 0 {
		t.Fatalf("expected the self-edge to be skipped, got %+v", report)
	}
	stats, _ := f.graph.Stats(ctx)
	if len(stats.Edges) != 0 {
		t.Fatalf("expected no edges, got %v", stats.Edges)
	}
}

type recordingIndex struct {
	names []string
	err   error
}

func (r *recordingIndex) IndexEntity(_ context.Context, e common.GraphEntity) error {
	r.names = append(r.names, e.CanonicalName)
	return r.err
}

func TestPromoteIndexesChangedNodes(t *testing.T) {
	ctx := context.Background()
	s := stagingmemory.New()
	g := graphmemory.New()
	idx := &recordingIndex{err: errors.New("embedding service down")}
	p := New(Params{Staging: s, Graph: g, Index: idx})

	if _, err := s.InsertCandidates(ctx, "doc-1", stagingtest.JaneSet("doc-1"), ""); err != nil {
		t.Fatalf("expected insert, got %v", err)
	}
	if _, err := s.BulkSetStatus(ctx, staging.Filter{}, staging.Update{Status: common.StatusApproved, ReviewerID: reviewer()}); err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	report, err := p.Promote(ctx, staging.Filter{})
	if err != nil {
		t.Fatalf("expected index failures not to abort, got %v", err)
	}
	slices.Sort(idx.names)
	if !reflect.DeepEqual(idx.names, []string{"Acme Corp", "Jane Smith"}) {
		t.Fatalf("expected both nodes indexed, got %v", idx.names)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", report.Warnings)
	}
}

type downGraph struct {
	*graphmemory.Store
	calls int
}

func (d *downGraph) UpsertEntity(context.Context, graphstore.EntityUpsert) (common.GraphEntity, graphstore.UpsertResult, error) {
	d.calls++
	return common.GraphEntity{}, graphstore.UpsertResult{}, common.NewError(common.StoreUnavailable, "connection refused")
}

func TestPromoteAbortsOnOutage(t *testing.T) {
	ctx := context.Background()
	s := stagingmemory.New()
	g := &downGraph{Store: graphmemory.New()}
	p := New(Params{Staging: s, Graph: g})

	if _, err := s.InsertCandidates(ctx, "doc-1", stagingtest.JaneSet("doc-1"), ""); err != nil {
		t.Fatalf("expected insert, got %v", err)
	}
	if _, err := s.BulkSetStatus(ctx, staging.Filter{}, staging.Update{Status: common.StatusApproved, ReviewerID: reviewer()}); err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	_, err := p.Promote(ctx, staging.Filter{})
	if !common.IsKind(err, common.StoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if g.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", g.calls)
	}
}
