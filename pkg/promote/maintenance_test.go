package promote

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	graphmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore/memory"
	stagingmemory "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging/memory"
)

func TestMergeDuplicateNodes(t *testing.T) {
	ctx := context.Background()
	g := graphmemory.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := func(kind common.EntityKind, name string, offset int) common.GraphEntity {
		at := base.Add(time.Duration(offset) * time.Minute)
		return g.SeedEntity(common.GraphEntity{Kind: kind, CanonicalName: name, CreatedAt: at, UpdatedAt: at})
	}
	full := seed(common.EntityPerson, "Winfried Engelbrecht-Bresges", 0)
	inverted := seed(common.EntityPerson, "ENGELBRECHT-BRESGES, Winfried", 1)
	titled := seed(common.EntityPerson, "Mr. Winfried Engelbrecht Bresges", 2)
	club := seed(common.EntityCompany, "Hong Kong Jockey Club", 3)
	other := seed(common.EntityPerson, "Jane Smith", 4)

	edge := func(src, tgt common.GraphEntity, kind common.RelationKind) {
		_, _, err := g.UpsertRelationship(ctx, graphstore.RelationshipUpsert{SourceID: src.GraphID, TargetID: tgt.GraphID, Kind: kind})
		if err != nil {
			t.Fatalf("expected edge, got %v", err)
		}
	}
	edge(full, club, common.Leadership)
	edge(inverted, club, common.Leadership)
	edge(titled, club, common.BoardMembership)
	edge(titled, other, common.Association)

	p := New(Params{Staging: stagingmemory.New(), Graph: g})
	report, err := p.MergeDuplicateNodes(ctx)
	if err != nil {
		t.Fatalf("expected merge to succeed, got %v", err)
	}
	if report.Groups != 1 || report.NodesMerged != 2 {
		t.Fatalf("expected one group with two merged nodes, got %+v", report)
	}
	if report.EdgesMerged != 1 || report.EdgesMoved != 2 {
		t.Fatalf("expected 1 merged and 2 moved edges, got %+v", report)
	}

	people, _ := g.ListEntities(ctx, common.EntityPerson)
	if len(people) != 2 || people[0].GraphID != full.GraphID {
		t.Fatalf("expected the earliest node to survive, got %+v", people)
	}
	aliases, _ := people[0].Attributes["aliases"].([]any)
	for _, want := range []string{"ENGELBRECHT-BRESGES, Winfried", "Mr. Winfried Engelbrecht Bresges"} {
		if !slices.Contains(aliases, any(want)) {
			t.Fatalf("expected alias %q, got %v", want, aliases)
		}
	}
	edges, _ := g.Relationships(ctx, full.GraphID)
	if len(edges) != 3 {
		t.Fatalf("expected 3 edges on the primary, got %d", len(edges))
	}

	again, err := p.MergeDuplicateNodes(ctx)
	if err != nil || again.NodesMerged != 0 {
		t.Fatalf("expected second run to do nothing, got %+v (%v)", again, err)
	}
}

func TestNormalizeLabels(t *testing.T) {
	ctx := context.Background()
	g := graphmemory.New()
	g.SeedEntity(common.GraphEntity{Kind: common.EntityPerson, CanonicalName: "Jane Smith", Labels: []string{"Person", common.CatchAllLabel}})
	g.SeedEntity(common.GraphEntity{Kind: common.EntityCompany, CanonicalName: "Acme Corp"})

	p := New(Params{Staging: stagingmemory.New(), Graph: g})
	n, err := p.NormalizeLabels(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 node normalized, got %d (%v)", n, err)
	}
	stats, _ := g.Stats(ctx)
	if stats.Nodes[common.CatchAllLabel] != 0 {
		t.Fatalf("expected no catch-all labels, got %v", stats.Nodes)
	}
	if n, _ := p.NormalizeLabels(ctx); n != 0 {
		t.Fatalf("expected second run to change nothing, got %d", n)
	}
	if err := p.EnsureIndices(ctx); err != nil {
		t.Fatalf("expected indices, got %v", err)
	}
}
