package staging

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

func TestPlan(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	set := common.ExtractedEntitySet{
		People: []common.Candidate{
			{Name: "Jane Smith", Kind: common.EntityPerson, Aliases: []string{"Jane Smith", "Ms. Smith"}},
			{Name: "jane smith", Kind: common.EntityPerson},
		},
		Companies: []common.Candidate{{Name: "Acme Corp", Kind: common.EntityCompany}, {Name: "", Kind: common.EntityCompany}},
		Roles:     []common.Role{{PersonName: "Jane Smith", Category: "ceo_coo", Title: "CEO"}},
		Relationships: []common.RelationCandidate{
			{SourceName: "Jane Smith", TargetName: "Acme Corp", Kind: common.Leadership},
			{SourceName: "Jane Smith", TargetName: "Globex", Kind: common.Employment},
			{SourceName: "Acme Corp", TargetName: "acme corp", Kind: common.Ownership},
		},
	}

	plan, err := Plan("doc-1", set, "b_1", now)
	if err != nil {
		t.Fatalf("expected plan, got %v", err)
	}
	if len(plan.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(plan.Entities))
	}
	jane := plan.Entities[0]
	if !strings.HasPrefix(jane.StagedID, EntityPrefix) || jane.Status != common.StatusPending || !jane.CreatedAt.Equal(now) {
		t.Fatalf("unexpected staged row %+v", jane)
	}
	if jane.BatchID == nil || *jane.BatchID != "b_1" {
		t.Fatalf("expected batch b_1, got %v", jane.BatchID)
	}
	wantRoles := []any{map[string]any{"category": "ceo_coo", "title": "CEO"}}
	if !reflect.DeepEqual(jane.Properties["roles"], wantRoles) {
		t.Fatalf("expected roles %v, got %v", wantRoles, jane.Properties["roles"])
	}

	if len(plan.Relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(plan.Relationships))
	}
	rel := plan.Relationships[0]
	if rel.Source.Key() != "Person|jane smith" || rel.Target.Key() != "Company|acme corp" {
		t.Fatalf("unexpected endpoints %v -> %v", rel.Source, rel.Target)
	}
	if len(plan.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", plan.Warnings)
	}
}

func TestItemOf(t *testing.T) {
	tests := []struct {
		id   string
		want Item
		ok   bool
	}{
		{"se_abc", ItemEntity, true},
		{"sr_abc", ItemRelationship, true},
		{"as_abc", "", false},
	}
	for _, tt := range tests {
		got, ok := ItemOf(tt.id)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("expected %q/%v for %s, got %q/%v", tt.want, tt.ok, tt.id, got, ok)
		}
	}
}

func TestMergePropertiesDoesNotModifyInputs(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	mods := map[string]any{"b": 3}
	got := MergeProperties(base, mods)
	if !reflect.DeepEqual(got, map[string]any{"a": 1, "b": 3}) {
		t.Fatalf("expected merged map, got %v", got)
	}
	if base["b"] != 2 {
		t.Fatalf("expected base untouched, got %v", base)
	}
}

func TestCanTransition(t *testing.T) {
	statuses := []common.ApprovalStatus{
		common.StatusPending,
		common.StatusApproved,
		common.StatusRejected,
		common.StatusModified,
		common.StatusIngested,
	}
	allowed := map[[2]common.ApprovalStatus]bool{
		{common.StatusPending, common.StatusApproved}:  true,
		{common.StatusPending, common.StatusModified}:  true,
		{common.StatusPending, common.StatusRejected}:  true,
		{common.StatusApproved, common.StatusIngested}: true,
		{common.StatusModified, common.StatusIngested}: true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]common.ApprovalStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("expected %s -> %s allowed=%v, got %v", from, to, want, got)
			}
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	if err := InvalidTransition("se_1", common.StatusPending, common.StatusApproved); err != nil {
		t.Fatalf("expected allowed move to return nil, got %v", err)
	}
	err := InvalidTransition("se_1", common.StatusApproved, common.StatusRejected)
	if !common.IsKind(err, common.InvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), "allowed: ingested") {
		t.Fatalf("expected allowed targets in %q", err.Error())
	}
	err = InvalidTransition("se_1", common.StatusIngested, common.StatusApproved)
	if err == nil || !strings.Contains(err.Error(), "allowed: none") {
		t.Fatalf("expected terminal status to allow nothing, got %v", err)
	}
}
