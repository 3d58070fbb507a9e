// Package memory is an in-process staging.Store. It keeps the same
// semantics as the Postgres store and backs tests and local runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

// Store is a staging.Store backed by maps.
type Store struct {
	mu        sync.RWMutex
	documents map[string]common.Document
	entities  map[string]*common.StagedEntity
	rels      map[string]*common.StagedRelationship
	sessions  map[string]*common.ApprovalSession
	seq       map[string]int // insertion order, breaks created_at ties
	next      int
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		documents: map[string]common.Document{},
		entities:  map[string]*common.StagedEntity{},
		rels:      map[string]*common.StagedRelationship{},
		sessions:  map[string]*common.ApprovalSession{},
		seq:       map[string]int{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ staging.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() {}

func (s *Store) SaveDocument(ctx context.Context, doc common.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.documents[doc.ID]; ok {
		known.AutoPromote = doc.AutoPromote
		s.documents[doc.ID] = known
		return nil
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	s.documents[doc.ID] = doc
	return nil
}

func (s *Store) GetDocument(_ context.Context, documentID string) (common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return common.Document{}, fmt.Errorf("document %s: %w", documentID, staging.ErrNotFound)
	}
	return doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rels {
		if r.DocumentID == documentID {
			delete(s.rels, id)
		}
	}
	for id, e := range s.entities {
		if e.DocumentID == documentID {
			delete(s.entities, id)
		}
	}
	delete(s.documents, documentID)
	return nil
}

func (s *Store) InsertCandidates(ctx context.Context, documentID string, set common.ExtractedEntitySet, batchID string) (staging.InsertResult, error) {
	res := staging.InsertResult{DocumentID: documentID, BatchID: batchID}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	now := s.now()
	plan, err := staging.Plan(documentID, set, batchID, now)
	if err != nil {
		return res, err
	}
	res.Warnings = plan.Warnings

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := map[string]string{}
	for _, e := range plan.Entities {
		ref := staging.EntityRef{Kind: e.Kind, Name: e.Name}
		if existing := s.pendingEntity(documentID, ref); existing != nil {
			existing.Properties = e.Properties
			existing.SourceRange = e.SourceRange
			existing.BatchID = e.BatchID
			existing.UpdatedAt = now
			ids[ref.Key()] = existing.StagedID
			res.EntityIDs = append(res.EntityIDs, existing.StagedID)
			continue
		}
		row := e
		s.entities[row.StagedID] = &row
		s.stamp(row.StagedID)
		ids[ref.Key()] = row.StagedID
		res.EntityIDs = append(res.EntityIDs, row.StagedID)
	}

	for _, p := range plan.Relationships {
		row := p.Row
		row.SourceStagedID = ids[p.Source.Key()]
		row.TargetStagedID = ids[p.Target.Key()]
		if existing := s.pendingRelationship(documentID, row.SourceStagedID, row.TargetStagedID, row.Kind); existing != nil {
			existing.Properties = row.Properties
			existing.BatchID = row.BatchID
			existing.UpdatedAt = now
			res.RelationshipIDs = append(res.RelationshipIDs, existing.StagedID)
			continue
		}
		s.rels[row.StagedID] = &row
		s.stamp(row.StagedID)
		res.RelationshipIDs = append(res.RelationshipIDs, row.StagedID)
	}
	return res, nil
}

func (s *Store) stamp(id string) {
	s.next++
	s.seq[id] = s.next
}

func (s *Store) pendingEntity(documentID string, ref staging.EntityRef) *common.StagedEntity {
	for _, e := range s.entities {
		if e.DocumentID == documentID && e.Status == common.StatusPending &&
			(staging.EntityRef{Kind: e.Kind, Name: e.Name}).Key() == ref.Key() {
			return e
		}
	}
	return nil
}

func (s *Store) pendingRelationship(documentID, src, tgt string, kind common.RelationKind) *common.StagedRelationship {
	for _, r := range s.rels {
		if r.DocumentID == documentID && r.Status == common.StatusPending &&
			r.SourceStagedID == src && r.TargetStagedID == tgt && r.Kind == kind {
			return r
		}
	}
	return nil
}

func matches(f staging.Filter, documentID string, status common.ApprovalStatus, batch *string, created time.Time, id string) bool {
	if f.DocumentID != "" && f.DocumentID != documentID {
		return false
	}
	if f.Status != "" && f.Status != status {
		return false
	}
	if f.BatchID != "" && (batch == nil || *batch != f.BatchID) {
		return false
	}
	if f.CreatedAfter != nil && !created.After(*f.CreatedAfter) {
		return false
	}
	if len(f.StagedIDs) > 0 && !slices.Contains(f.StagedIDs, id) {
		return false
	}
	return true
}

// order sorts by created_at desc, staged_id asc. Rows created at the same
// instant fall back to insertion order, newest first.
func (s *Store) order(aCreated, bCreated time.Time, aID, bID string) int {
	if c := bCreated.Compare(aCreated); c != 0 {
		return c
	}
	if c := s.seq[bID] - s.seq[aID]; c != 0 {
		return c
	}
	return strings.Compare(aID, bID)
}

func page[T any](items []T, f staging.Filter) []T {
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []T{}
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items
}

func (s *Store) ListEntities(ctx context.Context, f staging.Filter) ([]common.StagedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []common.StagedEntity{}
	for _, e := range s.entities {
		if f.Kind != "" && f.Kind != e.Kind {
			continue
		}
		if matches(f, e.DocumentID, e.Status, e.BatchID, e.CreatedAt, e.StagedID) {
			out = append(out, cloneEntity(*e))
		}
	}
	slices.SortFunc(out, func(a, b common.StagedEntity) int {
		return s.order(a.CreatedAt, b.CreatedAt, a.StagedID, b.StagedID)
	})
	return page(out, f), nil
}

func (s *Store) ListRelationships(ctx context.Context, f staging.Filter) ([]common.StagedRelationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []common.StagedRelationship{}
	if f.Kind != "" {
		return out, nil
	}
	for _, r := range s.rels {
		if matches(f, r.DocumentID, r.Status, r.BatchID, r.CreatedAt, r.StagedID) {
			out = append(out, cloneRelationship(*r))
		}
	}
	slices.SortFunc(out, func(a, b common.StagedRelationship) int {
		return s.order(a.CreatedAt, b.CreatedAt, a.StagedID, b.StagedID)
	})
	return page(out, f), nil
}

func (s *Store) GetEntity(_ context.Context, stagedID string) (common.StagedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[stagedID]
	if !ok {
		return common.StagedEntity{}, fmt.Errorf("staged entity %s: %w", stagedID, staging.ErrNotFound)
	}
	return cloneEntity(*e), nil
}

func (s *Store) GetRelationship(_ context.Context, stagedID string) (common.StagedRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[stagedID]
	if !ok {
		return common.StagedRelationship{}, fmt.Errorf("staged relationship %s: %w", stagedID, staging.ErrNotFound)
	}
	return cloneRelationship(*r), nil
}

func (s *Store) SetStatus(ctx context.Context, stagedID string, u staging.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(stagedID, u)
}

// apply changes one pending row. The caller holds the write lock.
func (s *Store) apply(stagedID string, u staging.Update) error {
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	if e, ok := s.entities[stagedID]; ok {
		if err := staging.InvalidTransition(stagedID, e.Status, u.Status); err != nil {
			return err
		}
		e.Status = u.Status
		e.ReviewerID, e.Notes = u.ReviewerID, u.Notes
		e.ReviewedAt = &at
		e.UpdatedAt = at
		if len(u.Modifications) > 0 {
			e.Properties = staging.MergeProperties(e.Properties, u.Modifications)
		}
		return nil
	}
	if r, ok := s.rels[stagedID]; ok {
		if err := staging.InvalidTransition(stagedID, r.Status, u.Status); err != nil {
			return err
		}
		r.Status = u.Status
		r.ReviewerID, r.Notes = u.ReviewerID, u.Notes
		r.ReviewedAt = &at
		r.UpdatedAt = at
		if len(u.Modifications) > 0 {
			r.Properties = staging.MergeProperties(r.Properties, u.Modifications)
		}
		return nil
	}
	return fmt.Errorf("staged item %s: %w", stagedID, staging.ErrNotFound)
}

func (s *Store) BulkSetStatus(ctx context.Context, f staging.Filter, u staging.Update) (staging.BulkResult, error) {
	var res staging.BulkResult
	if err := staging.CheckReviewStatus(u.Status); err != nil {
		return res, err
	}
	f.Status = common.StatusPending
	f.Limit, f.Offset = 0, 0

	entities, err := s.ListEntities(ctx, f)
	if err != nil {
		return res, err
	}
	rels, err := s.ListRelationships(ctx, f)
	if err != nil {
		return res, err
	}

	ids := make([]string, 0, len(entities)+len(rels))
	for _, e := range entities {
		ids = append(ids, e.StagedID)
	}
	for _, r := range rels {
		ids = append(ids, r.StagedID)
	}

	for start := 0; start < len(ids); start += staging.BulkChunkSize {
		if err := common.FromContext(ctx, common.PhaseApproval); err != nil {
			return res, err
		}
		end := min(start+staging.BulkChunkSize, len(ids))
		s.mu.Lock()
		for _, id := range ids[start:end] {
			if err := s.apply(id, u); err != nil {
				// Changed concurrently; only pending rows are touched.
				continue
			}
			if item, _ := staging.ItemOf(id); item == staging.ItemEntity {
				res.Entities++
			} else {
				res.Relationships++
			}
		}
		s.mu.Unlock()
	}
	return res, nil
}

func (s *Store) MarkIngested(ctx context.Context, stagedID, graphID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = s.now()
	}
	if e, ok := s.entities[stagedID]; ok {
		if err := staging.InvalidTransition(stagedID, e.Status, common.StatusIngested); err != nil {
			return err
		}
		e.Status, e.GraphID, e.UpdatedAt = common.StatusIngested, &graphID, at
		return nil
	}
	if r, ok := s.rels[stagedID]; ok {
		if err := staging.InvalidTransition(stagedID, r.Status, common.StatusIngested); err != nil {
			return err
		}
		r.Status, r.GraphID, r.UpdatedAt = common.StatusIngested, &graphID, at
		return nil
	}
	return fmt.Errorf("staged item %s: %w", stagedID, staging.ErrNotFound)
}

func (s *Store) ClearPending(ctx context.Context, documentID string) (staging.BulkResult, error) {
	var res staging.BulkResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := map[string]bool{}
	for id, e := range s.entities {
		if e.Status == common.StatusPending && (documentID == "" || e.DocumentID == documentID) {
			removed[id] = true
			delete(s.entities, id)
			res.Entities++
		}
	}
	for id, r := range s.rels {
		pending := r.Status == common.StatusPending && (documentID == "" || r.DocumentID == documentID)
		if pending || removed[r.SourceStagedID] || removed[r.TargetStagedID] {
			delete(s.rels, id)
			res.Relationships++
		}
	}
	return res, nil
}

func (s *Store) Statistics(ctx context.Context, documentID string) (common.Statistics, error) {
	var st common.Statistics
	if err := ctx.Err(); err != nil {
		return st, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entities {
		if documentID == "" || e.DocumentID == documentID {
			st.Entities.Add(e.Status, 1)
		}
	}
	for _, r := range s.rels {
		if documentID == "" || r.DocumentID == documentID {
			st.Relationships.Add(r.Status, 1)
		}
	}
	return st, nil
}

func (s *Store) CreateSession(ctx context.Context, documentID string, reviewerID *string) (common.ApprovalSession, error) {
	id, err := staging.NewID(staging.SessionPrefix)
	if err != nil {
		return common.ApprovalSession{}, err
	}
	sess := &common.ApprovalSession{SessionID: id, DocumentID: documentID, ReviewerID: reviewerID, CreatedAt: s.now()}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return s.withTotals(ctx, *sess)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (common.ApprovalSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return common.ApprovalSession{}, fmt.Errorf("session %s: %w", sessionID, staging.ErrNotFound)
	}
	return s.withTotals(ctx, *sess)
}

func (s *Store) ListSessions(ctx context.Context, documentID string) ([]common.ApprovalSession, error) {
	s.mu.RLock()
	var list []common.ApprovalSession
	for _, sess := range s.sessions {
		if documentID == "" || sess.DocumentID == documentID {
			list = append(list, *sess)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(list, func(a, b common.ApprovalSession) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	out := make([]common.ApprovalSession, 0, len(list))
	for _, sess := range list {
		withTotals, err := s.withTotals(ctx, sess)
		if err != nil {
			return nil, err
		}
		out = append(out, withTotals)
	}
	return out, nil
}

func (s *Store) CompleteSession(ctx context.Context, sessionID string, at time.Time) (common.ApprovalSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && sess.CompletedAt == nil {
		if at.IsZero() {
			at = s.now()
		}
		sess.CompletedAt = &at
	}
	var copied common.ApprovalSession
	if ok {
		copied = *sess
	}
	s.mu.Unlock()
	if !ok {
		return common.ApprovalSession{}, fmt.Errorf("session %s: %w", sessionID, staging.ErrNotFound)
	}
	return s.withTotals(ctx, copied)
}

func (s *Store) withTotals(ctx context.Context, sess common.ApprovalSession) (common.ApprovalSession, error) {
	st, err := s.Statistics(ctx, sess.DocumentID)
	if err != nil {
		return sess, err
	}
	sess.Totals = st.Entities
	sess.Totals.Pending += st.Relationships.Pending
	sess.Totals.Approved += st.Relationships.Approved
	sess.Totals.Rejected += st.Relationships.Rejected
	sess.Totals.Modified += st.Relationships.Modified
	sess.Totals.Ingested += st.Relationships.Ingested
	return sess, nil
}

func cloneEntity(e common.StagedEntity) common.StagedEntity {
	e.Properties = staging.MergeProperties(e.Properties, nil)
	e.SourceRange = slices.Clone(e.SourceRange)
	return e
}

func cloneRelationship(r common.StagedRelationship) common.StagedRelationship {
	r.Properties = staging.MergeProperties(r.Properties, nil)
	return r
}
