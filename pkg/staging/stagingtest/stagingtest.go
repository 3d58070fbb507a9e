// Package stagingtest holds the behaviour every staging.Store backend must
// share. Backends call Run from their own tests.
package stagingtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) staging.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s staging.Store)
	}{
		{"InsertCandidates", testInsertCandidates},
		{"ReingestUpsertsPending", testReingestUpsertsPending},
		{"RejectThenReingest", testRejectThenReingest},
		{"SetStatusOnlyFromPending", testSetStatusOnlyFromPending},
		{"ModificationsMerge", testModificationsMerge},
		{"BulkSetStatus", testBulkSetStatus},
		{"BulkSetStatusCancelled", testBulkSetStatusCancelled},
		{"MarkIngested", testMarkIngested},
		{"ClearPending", testClearPending},
		{"ListOrderAndFilter", testListOrderAndFilter},
		{"Sessions", testSessions},
		{"Documents", testDocuments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(s.Close)
			tt.fn(t, s)
		})
	}
}

// JaneSet is the extraction result of "Jane Smith is CEO of Acme Corp.".
func JaneSet(documentID string) common.ExtractedEntitySet {
	return common.ExtractedEntitySet{
		DocumentID: documentID,
		People: []common.Candidate{{
			Name: "Jane Smith", NormalizedName: "jane smith", Kind: common.EntityPerson,
			Hint: common.HintPerson, Aliases: []string{"Jane Smith"},
		}},
		Companies: []common.Candidate{{
			Name: "Acme Corp", NormalizedName: "acme corp", Kind: common.EntityCompany,
			Hint: common.HintOrganization, Aliases: []string{"Acme Corp"},
		}},
		Roles: []common.Role{{PersonName: "Jane Smith", Category: "executive_roles", Title: "CEO", OrganizationName: "Acme Corp"}},
		Relationships: []common.RelationCandidate{{
			SourceName: "Jane Smith", TargetName: "Acme Corp", Kind: common.Leadership,
			Attributes: map[string]any{"role": "CEO", "start": "2019", "is_current": true},
		}},
	}
}

func ptr(s string) *string { return &s }

func mustInsert(t *testing.T, s staging.Store, documentID string, set common.ExtractedEntitySet) staging.InsertResult {
	t.Helper()
	res, err := s.InsertCandidates(context.Background(), documentID, set, "")
	if err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	return res
}

func testInsertCandidates(t *testing.T, s staging.Store) {
	ctx := context.Background()
	res := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	if len(res.EntityIDs) != 2 || len(res.RelationshipIDs) != 1 {
		t.Fatalf("expected 2 entities and 1 relationship, got %d and %d", len(res.EntityIDs), len(res.RelationshipIDs))
	}

	rel, err := s.GetRelationship(ctx, res.RelationshipIDs[0])
	if err != nil {
		t.Fatalf("expected relationship, got %v", err)
	}
	if rel.Kind != common.Leadership || rel.Status != common.StatusPending {
		t.Fatalf("expected pending Leadership, got %s %s", rel.Status, rel.Kind)
	}
	if rel.Properties["role"] != "CEO" || rel.Properties["start"] != "2019" || rel.Properties["is_current"] != true {
		t.Fatalf("expected role, start and is_current to be kept, got %v", rel.Properties)
	}

	src, err := s.GetEntity(ctx, rel.SourceStagedID)
	if err != nil {
		t.Fatalf("expected source entity, got %v", err)
	}
	if src.Name != "Jane Smith" || src.Kind != common.EntityPerson {
		t.Fatalf("expected Jane Smith as source, got %s %s", src.Kind, src.Name)
	}
	if _, ok := src.Properties["roles"]; !ok {
		t.Fatalf("expected roles on Jane Smith, got %v", src.Properties)
	}
	tgt, err := s.GetEntity(ctx, rel.TargetStagedID)
	if err != nil || tgt.Name != "Acme Corp" {
		t.Fatalf("expected Acme Corp as target, got %v %v", tgt.Name, err)
	}
	if tgt.DocumentID != "doc-1" {
		t.Fatalf("expected document doc-1, got %s", tgt.DocumentID)
	}
}

func testReingestUpsertsPending(t *testing.T, s staging.Store) {
	ctx := context.Background()
	first := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	before, _ := s.GetEntity(ctx, first.EntityIDs[0])

	set := JaneSet("doc-1")
	set.People[0].Attributes = map[string]any{"nationality": "British"}
	second := mustInsert(t, s, "doc-1", set)

	if first.EntityIDs[0] != second.EntityIDs[0] || first.RelationshipIDs[0] != second.RelationshipIDs[0] {
		t.Fatalf("expected pending rows to keep their ids, got %v and %v", first, second)
	}
	after, _ := s.GetEntity(ctx, second.EntityIDs[0])
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("expected created_at %v to be kept, got %v", before.CreatedAt, after.CreatedAt)
	}
	if after.Properties["nationality"] != "British" {
		t.Fatalf("expected properties to be refreshed, got %v", after.Properties)
	}

	st, err := s.Statistics(ctx, "doc-1")
	if err != nil {
		t.Fatalf("expected statistics, got %v", err)
	}
	if st.Entities.Pending != 2 || st.Relationships.Pending != 1 {
		t.Fatalf("expected 2 pending entities and 1 pending relationship, got %+v", st)
	}
}

func testRejectThenReingest(t *testing.T, s staging.Store) {
	ctx := context.Background()
	first := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	for _, id := range append(first.EntityIDs, first.RelationshipIDs...) {
		err := s.SetStatus(ctx, id, staging.Update{Status: common.StatusRejected, Notes: ptr("wrong document")})
		if err != nil {
			t.Fatalf("expected reject to succeed, got %v", err)
		}
	}

	second := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	if second.EntityIDs[0] == first.EntityIDs[0] {
		t.Fatalf("expected a new pending row after reject, got the same id %s", first.EntityIDs[0])
	}

	rejected, err := s.GetEntity(ctx, first.EntityIDs[0])
	if err != nil || rejected.Status != common.StatusRejected {
		t.Fatalf("expected rejected row to be kept, got %v %v", rejected.Status, err)
	}
	if rejected.Notes == nil || *rejected.Notes != "wrong document" {
		t.Fatalf("expected notes to be kept, got %v", rejected.Notes)
	}

	st, _ := s.Statistics(ctx, "doc-1")
	if st.Entities.Rejected != 2 || st.Entities.Pending != 2 {
		t.Fatalf("expected 2 rejected and 2 pending entities, got %+v", st.Entities)
	}
}

func testSetStatusOnlyFromPending(t *testing.T, s staging.Store) {
	ctx := context.Background()
	res := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	id := res.EntityIDs[0]

	err := s.SetStatus(ctx, id, staging.Update{Status: common.StatusIngested})
	if !common.IsKind(err, common.InvalidTransition) {
		t.Fatalf("expected pending -> ingested refused, got %v", err)
	}
	if _, err := s.BulkSetStatus(ctx, staging.Filter{DocumentID: "doc-1"}, staging.Update{Status: common.StatusIngested}); !common.IsKind(err, common.InvalidTransition) {
		t.Fatalf("expected bulk pending -> ingested refused, got %v", err)
	}

	if err := s.SetStatus(ctx, id, staging.Update{Status: common.StatusApproved, ReviewerID: ptr("alice")}); err != nil {
		t.Fatalf("expected approve to succeed, got %v", err)
	}
	err = s.SetStatus(ctx, id, staging.Update{Status: common.StatusRejected, Notes: ptr("late")})
	if !common.IsKind(err, common.InvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	e, _ := s.GetEntity(ctx, id)
	if e.Status != common.StatusApproved || e.ReviewerID == nil || *e.ReviewerID != "alice" || e.ReviewedAt == nil {
		t.Fatalf("expected approved by alice with reviewed_at, got %+v", e)
	}

	err = s.SetStatus(ctx, "se_missing", staging.Update{Status: common.StatusApproved})
	if !errors.Is(err, staging.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testModificationsMerge(t *testing.T, s staging.Store) {
	ctx := context.Background()
	res := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	rel := res.RelationshipIDs[0]

	err := s.SetStatus(ctx, rel, staging.Update{
		Status:        common.StatusModified,
		ReviewerID:    ptr("bob"),
		Modifications: map[string]any{"start": "2018"},
	})
	if err != nil {
		t.Fatalf("expected modify to succeed, got %v", err)
	}
	got, _ := s.GetRelationship(ctx, rel)
	if got.Status != common.StatusModified {
		t.Fatalf("expected modified, got %s", got.Status)
	}
	if got.Properties["start"] != "2018" || got.Properties["role"] != "CEO" {
		t.Fatalf("expected start overwritten and role kept, got %v", got.Properties)
	}
}

func testBulkSetStatus(t *testing.T, s staging.Store) {
	ctx := context.Background()
	set := common.ExtractedEntitySet{}
	for i := range staging.BulkChunkSize + 5 {
		set.Companies = append(set.Companies, common.Candidate{
			Name: fmt.Sprintf("Company %04d", i), Kind: common.EntityCompany,
		})
	}
	mustInsert(t, s, "doc-bulk", set)
	mustInsert(t, s, "doc-other", JaneSet("doc-other"))

	res, err := s.BulkSetStatus(ctx, staging.Filter{DocumentID: "doc-bulk"}, staging.Update{Status: common.StatusApproved, ReviewerID: ptr("system")})
	if err != nil {
		t.Fatalf("expected bulk approve to succeed, got %v", err)
	}
	if res.Entities != staging.BulkChunkSize+5 || res.Relationships != 0 {
		t.Fatalf("expected %d entities, got %+v", staging.BulkChunkSize+5, res)
	}

	other, _ := s.Statistics(ctx, "doc-other")
	if other.Entities.Pending != 2 {
		t.Fatalf("expected other document untouched, got %+v", other.Entities)
	}

	again, err := s.BulkSetStatus(ctx, staging.Filter{DocumentID: "doc-bulk"}, staging.Update{Status: common.StatusApproved})
	if err != nil || again.Entities != 0 {
		t.Fatalf("expected second bulk approve to be a no-op, got %+v %v", again, err)
	}
}

func testBulkSetStatusCancelled(t *testing.T, s staging.Store) {
	mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.BulkSetStatus(ctx, staging.Filter{DocumentID: "doc-1"}, staging.Update{Status: common.StatusApproved})
	if err == nil {
		t.Fatalf("expected cancelled bulk update to fail")
	}
	st, _ := s.Statistics(context.Background(), "doc-1")
	if st.Entities.Pending != 2 {
		t.Fatalf("expected no rows changed, got %+v", st.Entities)
	}
}

func testMarkIngested(t *testing.T, s staging.Store) {
	ctx := context.Background()
	res := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	id := res.EntityIDs[0]

	err := s.MarkIngested(ctx, id, "g-1", time.Time{})
	if !common.IsKind(err, common.InvalidTransition) {
		t.Fatalf("expected pending row to refuse ingestion, got %v", err)
	}
	if err := s.SetStatus(ctx, id, staging.Update{Status: common.StatusApproved}); err != nil {
		t.Fatalf("expected approve, got %v", err)
	}
	if err := s.MarkIngested(ctx, id, "g-1", time.Time{}); err != nil {
		t.Fatalf("expected ingestion, got %v", err)
	}
	e, _ := s.GetEntity(ctx, id)
	if e.Status != common.StatusIngested || e.GraphID == nil || *e.GraphID != "g-1" {
		t.Fatalf("expected ingested with graph id g-1, got %+v", e)
	}
}

func testClearPending(t *testing.T, s staging.Store) {
	ctx := context.Background()
	res := mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	mustInsert(t, s, "doc-2", JaneSet("doc-2"))
	if err := s.SetStatus(ctx, res.EntityIDs[0], staging.Update{Status: common.StatusApproved}); err != nil {
		t.Fatalf("expected approve, got %v", err)
	}

	cleared, err := s.ClearPending(ctx, "doc-1")
	if err != nil {
		t.Fatalf("expected clear to succeed, got %v", err)
	}
	if cleared.Entities != 1 || cleared.Relationships != 1 {
		t.Fatalf("expected 1 entity and 1 relationship cleared, got %+v", cleared)
	}
	if _, err := s.GetEntity(ctx, res.EntityIDs[0]); err != nil {
		t.Fatalf("expected approved row to survive, got %v", err)
	}
	other, _ := s.Statistics(ctx, "doc-2")
	if other.Entities.Pending != 2 {
		t.Fatalf("expected other document untouched, got %+v", other.Entities)
	}
}

func testListOrderAndFilter(t *testing.T, s staging.Store) {
	ctx := context.Background()
	mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	time.Sleep(5 * time.Millisecond)
	set := common.ExtractedEntitySet{Companies: []common.Candidate{{Name: "Globex", Kind: common.EntityCompany}}}
	mustInsert(t, s, "doc-1", set)

	all, err := s.ListEntities(ctx, staging.Filter{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}
	if len(all) != 3 || all[0].Name != "Globex" {
		t.Fatalf("expected Globex first of 3, got %v", names(all))
	}

	people, _ := s.ListEntities(ctx, staging.Filter{DocumentID: "doc-1", Kind: common.EntityPerson})
	if len(people) != 1 || people[0].Name != "Jane Smith" {
		t.Fatalf("expected only Jane Smith, got %v", names(people))
	}

	paged, _ := s.ListEntities(ctx, staging.Filter{DocumentID: "doc-1", Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].StagedID != all[1].StagedID {
		t.Fatalf("expected second row, got %v", names(paged))
	}

	none, _ := s.ListEntities(ctx, staging.Filter{DocumentID: "doc-1", Status: common.StatusRejected})
	if len(none) != 0 {
		t.Fatalf("expected no rejected rows, got %v", names(none))
	}
}

func testSessions(t *testing.T, s staging.Store) {
	ctx := context.Background()
	mustInsert(t, s, "doc-1", JaneSet("doc-1"))

	sess, err := s.CreateSession(ctx, "doc-1", ptr("alice"))
	if err != nil {
		t.Fatalf("expected session, got %v", err)
	}
	if sess.Totals.Pending != 3 {
		t.Fatalf("expected 3 pending items in totals, got %+v", sess.Totals)
	}

	done, err := s.CompleteSession(ctx, sess.SessionID, time.Time{})
	if err != nil || done.CompletedAt == nil {
		t.Fatalf("expected completed session, got %+v %v", done, err)
	}

	list, err := s.ListSessions(ctx, "doc-1")
	if err != nil || len(list) != 1 || list[0].SessionID != sess.SessionID {
		t.Fatalf("expected one session, got %v %v", list, err)
	}

	if _, err := s.GetSession(ctx, "as_missing"); !errors.Is(err, staging.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDocuments(t *testing.T, s staging.Store) {
	ctx := context.Background()
	doc := common.Document{ID: "doc-1", Title: "Report", Source: "report.txt", RawText: "Jane Smith is CEO of Acme Corp."}
	if err := s.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("expected save, got %v", err)
	}
	again := doc
	again.RawText = "changed"
	again.AutoPromote = "after_approval_all"
	if err := s.SaveDocument(ctx, again); err != nil {
		t.Fatalf("expected second save to succeed, got %v", err)
	}
	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil || got.RawText != doc.RawText {
		t.Fatalf("expected stored document, got %+v %v", got, err)
	}
	if got.AutoPromote != "after_approval_all" {
		t.Fatalf("expected auto_promote refreshed by the second save, got %q", got.AutoPromote)
	}

	mustInsert(t, s, "doc-1", JaneSet("doc-1"))
	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("expected delete, got %v", err)
	}
	if _, err := s.GetDocument(ctx, "doc-1"); !errors.Is(err, staging.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	st, _ := s.Statistics(ctx, "doc-1")
	if st.Entities.Total() != 0 || st.Relationships.Total() != 0 {
		t.Fatalf("expected staged rows removed with the document, got %+v", st)
	}
}

func names(list []common.StagedEntity) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.Name
	}
	return out
}
