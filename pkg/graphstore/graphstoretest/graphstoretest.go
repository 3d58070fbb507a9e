// Package graphstoretest holds the behaviour every graphstore.Store
// backend must share.
package graphstoretest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
)

// Factory returns an empty store.
type Factory func(t *testing.T) graphstore.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s graphstore.Store)
	}{
		{"UpsertEntityIsIdempotent", testUpsertEntityIsIdempotent},
		{"UpsertEntityMergesAttributes", testUpsertEntityMergesAttributes},
		{"ProvenanceOnlyKeepsUpdatedAt", testProvenanceOnlyKeepsUpdatedAt},
		{"UpsertRelationship", testUpsertRelationship},
		{"SelfEdgeRefused", testSelfEdgeRefused},
		{"FindEntities", testFindEntities},
		{"SearchEntities", testSearchEntities},
		{"MergeNodes", testMergeNodes},
		{"ClearAndStats", testClearAndStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close(context.Background()) })
			tt.fn(t, s)
		})
	}
}

func prov(doc, staged string) common.Provenance {
	return common.Provenance{DocumentID: doc, StagedID: staged}
}

func mustEntity(t *testing.T, s graphstore.Store, kind common.EntityKind, name string, attrs map[string]any, p common.Provenance) common.GraphEntity {
	t.Helper()
	e, _, err := s.UpsertEntity(context.Background(), graphstore.EntityUpsert{Kind: kind, CanonicalName: name, Attributes: attrs, Provenance: p})
	if err != nil {
		t.Fatalf("expected upsert of %s to succeed, got %v", name, err)
	}
	return e
}

func testUpsertEntityIsIdempotent(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	u := graphstore.EntityUpsert{
		Kind:          common.EntityPerson,
		CanonicalName: "Jane Smith",
		Attributes:    map[string]any{"aliases": []any{"Jane Smith"}},
		Provenance:    prov("doc-1", "se_1"),
	}
	first, res, err := s.UpsertEntity(ctx, u)
	if err != nil || !res.Created {
		t.Fatalf("expected node created, got %+v %v", res, err)
	}
	second, res, err := s.UpsertEntity(ctx, u)
	if err != nil {
		t.Fatalf("expected second upsert to succeed, got %v", err)
	}
	if res.Created || res.Changed {
		t.Fatalf("expected second upsert to change nothing, got %+v", res)
	}
	if first.GraphID != second.GraphID || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("expected same node and updated_at, got %+v and %+v", first, second)
	}
	if len(second.Labels) != 1 || second.Labels[0] != "Person" {
		t.Fatalf("expected only the Person label, got %v", second.Labels)
	}
}

func testUpsertEntityMergesAttributes(t *testing.T, s graphstore.Store) {
	mustEntity(t, s, common.EntityPerson, "Jane Smith", map[string]any{"aliases": []any{"Jane Smith"}, "title": "CFO"}, prov("doc-1", "se_1"))
	e := mustEntity(t, s, common.EntityPerson, "Jane Smith", map[string]any{"aliases": []any{"Ms. Smith"}, "title": "CEO"}, prov("doc-2", "se_9"))

	aliases, _ := e.Attributes["aliases"].([]any)
	if len(aliases) != 2 {
		t.Fatalf("expected two aliases, got %v", e.Attributes["aliases"])
	}
	if e.Attributes["title"] != "CEO" {
		t.Fatalf("expected last writer to win, got %v", e.Attributes["title"])
	}
	if len(e.Provenance) != 2 {
		t.Fatalf("expected two provenance entries, got %v", e.Provenance)
	}
}

func testProvenanceOnlyKeepsUpdatedAt(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1, t2 := t0.Add(time.Hour), t0.Add(2*time.Hour)
	attrs := map[string]any{"title": "CEO"}

	jane, _, err := s.UpsertEntity(ctx, graphstore.EntityUpsert{Kind: common.EntityPerson, CanonicalName: "Jane Smith", Attributes: attrs, Provenance: prov("doc-1", "se_1"), At: t0})
	if err != nil {
		t.Fatalf("expected node created, got %v", err)
	}
	again, _, err := s.UpsertEntity(ctx, graphstore.EntityUpsert{Kind: common.EntityPerson, CanonicalName: "Jane Smith", Attributes: attrs, Provenance: prov("doc-2", "se_7"), At: t1})
	if err != nil {
		t.Fatalf("expected upsert, got %v", err)
	}
	if len(again.Provenance) != 2 {
		t.Fatalf("expected provenance appended, got %v", again.Provenance)
	}
	if !again.UpdatedAt.Equal(t0) {
		t.Fatalf("expected updated_at %v kept, got %v", t0, again.UpdatedAt)
	}
	changed, _, err := s.UpsertEntity(ctx, graphstore.EntityUpsert{Kind: common.EntityPerson, CanonicalName: "Jane Smith", Attributes: map[string]any{"title": "CFO"}, Provenance: prov("doc-2", "se_7"), At: t2})
	if err != nil || !changed.UpdatedAt.Equal(t2) {
		t.Fatalf("expected updated_at %v after an attribute change, got %v (%v)", t2, changed.UpdatedAt, err)
	}

	acme := mustEntity(t, s, common.EntityCompany, "Acme Corp", nil, prov("doc-1", "se_2"))
	u := graphstore.RelationshipUpsert{SourceID: jane.GraphID, TargetID: acme.GraphID, Kind: common.Leadership, Attributes: attrs, Provenance: prov("doc-1", "sr_1"), At: t0}
	if _, _, err := s.UpsertRelationship(ctx, u); err != nil {
		t.Fatalf("expected edge created, got %v", err)
	}
	u.Provenance, u.At = prov("doc-2", "sr_4"), t1
	edge, _, err := s.UpsertRelationship(ctx, u)
	if err != nil {
		t.Fatalf("expected edge upsert, got %v", err)
	}
	if len(edge.Provenance) != 2 || !edge.UpdatedAt.Equal(t0) {
		t.Fatalf("expected provenance appended with updated_at %v, got %v %v", t0, edge.Provenance, edge.UpdatedAt)
	}
}

func testUpsertRelationship(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	jane := mustEntity(t, s, common.EntityPerson, "Jane Smith", nil, prov("doc-1", "se_1"))
	acme := mustEntity(t, s, common.EntityCompany, "Acme Corp", nil, prov("doc-1", "se_2"))

	u := graphstore.RelationshipUpsert{
		SourceID:   jane.GraphID,
		TargetID:   acme.GraphID,
		Kind:       common.Leadership,
		Attributes: map[string]any{"role": "CEO", "start": "2019", "is_current": true},
		Provenance: prov("doc-1", "sr_1"),
	}
	r, res, err := s.UpsertRelationship(ctx, u)
	if err != nil || !res.Created {
		t.Fatalf("expected edge created, got %+v %v", res, err)
	}
	if r.SourceGraphID != jane.GraphID || r.TargetGraphID != acme.GraphID || r.Kind != common.Leadership {
		t.Fatalf("expected Jane -Leadership-> Acme, got %+v", r)
	}
	again, res, err := s.UpsertRelationship(ctx, u)
	if err != nil || res.Changed || again.GraphID != r.GraphID {
		t.Fatalf("expected idempotent edge upsert, got %+v %+v %v", again, res, err)
	}

	rels, err := s.Relationships(ctx, acme.GraphID)
	if err != nil || len(rels) != 1 {
		t.Fatalf("expected one edge on Acme, got %v %v", rels, err)
	}
	if rels[0].Attributes["role"] != "CEO" || rels[0].Attributes["is_current"] != true {
		t.Fatalf("expected attributes to round trip, got %v", rels[0].Attributes)
	}

	_, _, err = s.UpsertRelationship(ctx, graphstore.RelationshipUpsert{SourceID: jane.GraphID, TargetID: "missing", Kind: common.Employment})
	if err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
}

func testSelfEdgeRefused(t *testing.T, s graphstore.Store) {
	jane := mustEntity(t, s, common.EntityPerson, "Jane Smith", nil, prov("doc-1", "se_1"))
	_, _, err := s.UpsertRelationship(context.Background(), graphstore.RelationshipUpsert{
		SourceID: jane.GraphID, TargetID: jane.GraphID, Kind: common.Association,
	})
	if !common.IsKind(err, common.UnresolvedEndpoint) {
		t.Fatalf("expected self edge refused, got %v", err)
	}
}

func testFindEntities(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	mustEntity(t, s, common.EntityCompany, "Acme Corp", nil, prov("doc-1", "se_2"))

	exact, err := s.FindEntities(ctx, graphstore.EntityQuery{Name: "acme corp"})
	if err != nil || len(exact) != 0 {
		t.Fatalf("expected exact lookup to be case sensitive, got %v %v", exact, err)
	}
	folded, err := s.FindEntities(ctx, graphstore.EntityQuery{Kind: common.EntityCompany, Name: "acme corp", FoldCase: true})
	if err != nil || len(folded) != 1 || folded[0].CanonicalName != "Acme Corp" {
		t.Fatalf("expected case-insensitive match, got %v %v", folded, err)
	}
	none, _ := s.FindEntities(ctx, graphstore.EntityQuery{Kind: common.EntityPerson, Name: "Acme Corp"})
	if len(none) != 0 {
		t.Fatalf("expected kind to constrain, got %v", none)
	}
}

func testSearchEntities(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	mustEntity(t, s, common.EntityPerson, "Winfried Engelbrecht-Bresges", map[string]any{"aliases": []any{"Mr. Engelbrecht-Bresges"}}, prov("doc-1", "se_1"))
	mustEntity(t, s, common.EntityCompany, "Hong Kong Jockey Club", nil, prov("doc-1", "se_2"))

	hits, err := s.SearchEntities(ctx, "who is Engelbrecht", 5)
	if err != nil || len(hits) != 1 || hits[0].Kind != common.EntityPerson {
		t.Fatalf("expected the person, got %v %v", hits, err)
	}
}

func testMergeNodes(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	primary := mustEntity(t, s, common.EntityCompany, "Acme Corp", nil, prov("doc-1", "se_1"))
	dup := mustEntity(t, s, common.EntityCompany, "ACME Corp", nil, prov("doc-2", "se_2"))
	jane := mustEntity(t, s, common.EntityPerson, "Jane Smith", nil, prov("doc-1", "se_3"))
	bob := mustEntity(t, s, common.EntityPerson, "Bob Lee", nil, prov("doc-2", "se_4"))

	edge := func(src, tgt string, kind common.RelationKind, attrs map[string]any) {
		_, _, err := s.UpsertRelationship(ctx, graphstore.RelationshipUpsert{SourceID: src, TargetID: tgt, Kind: kind, Attributes: attrs, Provenance: prov("doc", src)})
		if err != nil {
			t.Fatalf("expected edge, got %v", err)
		}
	}
	edge(jane.GraphID, primary.GraphID, common.Leadership, map[string]any{"role": "CEO"})
	edge(jane.GraphID, dup.GraphID, common.Leadership, map[string]any{"start": "2019"})
	edge(bob.GraphID, dup.GraphID, common.Employment, nil)
	edge(dup.GraphID, primary.GraphID, common.Association, nil)

	res, err := s.MergeNodes(ctx, primary.GraphID, dup.GraphID)
	if err != nil {
		t.Fatalf("expected merge to succeed, got %v", err)
	}
	want := graphstore.MergeResult{EdgesMoved: 1, EdgesMerged: 1, EdgesDropped: 1}
	if res != want {
		t.Fatalf("expected %+v, got %+v", want, res)
	}
	if _, err := s.GetEntity(ctx, dup.GraphID); !errors.Is(err, graphstore.ErrNotFound) {
		t.Fatalf("expected duplicate deleted, got %v", err)
	}

	rels, _ := s.Relationships(ctx, primary.GraphID)
	if len(rels) != 2 {
		t.Fatalf("expected 2 edges on primary, got %d", len(rels))
	}
	for _, r := range rels {
		if r.SourceGraphID == r.TargetGraphID {
			t.Fatalf("expected no self edges, got %+v", r)
		}
		if r.Kind == common.Leadership && (r.Attributes["role"] != "CEO" || r.Attributes["start"] != "2019") {
			t.Fatalf("expected merged leadership attributes, got %v", r.Attributes)
		}
	}
	merged, _ := s.GetEntity(ctx, primary.GraphID)
	aliases, _ := merged.Attributes["aliases"].([]any)
	if len(aliases) != 1 || aliases[0] != "ACME Corp" {
		t.Fatalf("expected duplicate name kept as alias, got %v", merged.Attributes["aliases"])
	}
}

func testClearAndStats(t *testing.T, s graphstore.Store) {
	ctx := context.Background()
	jane := mustEntity(t, s, common.EntityPerson, "Jane Smith", nil, prov("doc-1", "se_1"))
	acme := mustEntity(t, s, common.EntityCompany, "Acme Corp", nil, prov("doc-1", "se_2"))
	if _, _, err := s.UpsertRelationship(ctx, graphstore.RelationshipUpsert{SourceID: jane.GraphID, TargetID: acme.GraphID, Kind: common.Employment}); err != nil {
		t.Fatalf("expected edge, got %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("expected stats, got %v", err)
	}
	if st.Nodes["Person"] != 1 || st.Nodes["Company"] != 1 || st.Edges["Employment"] != 1 {
		t.Fatalf("expected one of each, got %+v", st)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("expected clear, got %v", err)
	}
	st, _ = s.Stats(ctx)
	if len(st.Nodes) != 0 || len(st.Edges) != 0 {
		t.Fatalf("expected empty graph, got %+v", st)
	}
}
