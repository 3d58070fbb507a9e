// Package approval governs the review of staged items: reviewer decisions,
// bulk policies, approval sessions and automatic promotion.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/promote"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

// SystemReviewer is recorded as reviewer of rows approved by automatic
// policies.
const SystemReviewer = "system"

// AutoPromote selects when approved rows are promoted without an explicit
// request.
type AutoPromote string

const (
	AutoPromoteOff              AutoPromote = "off"
	AutoPromoteAfterApprovalAll AutoPromote = "after_approval_all"
	AutoPromoteImmediate        AutoPromote = "immediate"
)

// ParseAutoPromote accepts the mode names and an empty string for off.
func ParseAutoPromote(s string) (AutoPromote, error) {
	switch m := AutoPromote(strings.ToLower(strings.TrimSpace(s))); m {
	case "", AutoPromoteOff:
		return AutoPromoteOff, nil
	case AutoPromoteAfterApprovalAll, AutoPromoteImmediate:
		return m, nil
	}
	return "", common.NewError(common.InvalidConfig, "unknown auto-promote mode %q", s)
}

// Decision is a reviewer verdict on one staged item.
type Decision string

const (
	Approve Decision = "approve"
	Modify  Decision = "modify"
	Reject  Decision = "reject"
)

// Status returns the status a decision moves an item to.
func (d Decision) Status() (common.ApprovalStatus, bool) {
	switch d {
	case Approve:
		return common.StatusApproved, true
	case Modify:
		return common.StatusModified, true
	case Reject:
		return common.StatusRejected, true
	}
	return "", false
}

// Review carries the reviewer input of a decision.
type Review struct {
	ReviewerID    string         `json:"reviewer_id"`
	Notes         string         `json:"notes,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

// identifying lists properties that cannot be changed once staged.
var identifying = map[staging.Item][]string{
	staging.ItemEntity:       {"name", "kind", "entity_kind", "document_id", "staged_id"},
	staging.ItemRelationship: {"kind", "relation_kind", "source_staged_id", "target_staged_id", "document_id", "staged_id"},
}

// CheckGuard validates the reviewer input required by a decision.
func CheckGuard(item staging.Item, d Decision, r Review) error {
	guard := func(format string, args ...any) error {
		return common.NewError(common.InvalidTransition, format, args...).WithPhase(common.PhaseApproval)
	}
	switch d {
	case Approve:
		if strings.TrimSpace(r.ReviewerID) == "" {
			return guard("approval requires a reviewer")
		}
	case Modify:
		if strings.TrimSpace(r.ReviewerID) == "" {
			return guard("modification requires a reviewer")
		}
		if len(r.Modifications) == 0 {
			return guard("modification requires at least one changed property")
		}
	case Reject:
		if strings.TrimSpace(r.Notes) == "" {
			return guard("rejection requires notes")
		}
	default:
		return common.NewError(common.SchemaViolation, "unknown decision %q", d).WithPhase(common.PhaseApproval)
	}
	for _, key := range identifying[item] {
		if _, ok := r.Modifications[key]; ok {
			return guard("%s cannot be modified", key)
		}
	}
	return nil
}

// Params configures a Service. Promoter may be nil when automatic
// promotion is off.
type Params struct {
	Staging           staging.Store
	Promoter          *promote.Promoter
	AutoPromote       AutoPromote
	AutoCreateSession bool
	Now               func() time.Time
}

// Service applies reviewer decisions and bulk policies.
type Service struct {
	staging     staging.Store
	promoter    *promote.Promoter
	autoPromote AutoPromote
	autoSession bool
	now         func() time.Time
}

// New creates a Service.
func New(p Params) *Service {
	if p.AutoPromote == "" {
		p.AutoPromote = AutoPromoteOff
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		staging:     p.Staging,
		promoter:    p.Promoter,
		autoPromote: p.AutoPromote,
		autoSession: p.AutoCreateSession,
		now:         p.Now,
	}
}

// AutoPromoteMode returns the configured promotion policy.
func (s *Service) AutoPromoteMode() AutoPromote { return s.autoPromote }

func optional(v string) *string {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	return &v
}

// Outcome is the result of a decision. Promotion is set when the item was
// promoted right away.
type Outcome struct {
	StagedID  string                `json:"staged_id"`
	Status    common.ApprovalStatus `json:"approval_status"`
	Promotion *promote.Report       `json:"promotion,omitempty"`
}

// Decide applies a reviewer decision to a pending item. With immediate
// auto-promotion, approved and modified items are promoted at once.
func (s *Service) Decide(ctx context.Context, stagedID string, d Decision, r Review) (Outcome, error) {
	out := Outcome{StagedID: stagedID}
	item, ok := staging.ItemOf(stagedID)
	if !ok {
		return out, fmt.Errorf("staged item %s: %w", stagedID, staging.ErrNotFound)
	}
	if err := CheckGuard(item, d, r); err != nil {
		return out, AsStaged(err, stagedID)
	}
	status, _ := d.Status()

	update := staging.Update{
		Status:        status,
		ReviewerID:    optional(r.ReviewerID),
		Notes:         optional(r.Notes),
		Modifications: r.Modifications,
		At:            s.now(),
	}
	if err := s.staging.SetStatus(ctx, stagedID, update); err != nil {
		return out, err
	}
	out.Status = status
	logger.Info("[Approval] Decision recorded", "staged_id", stagedID, "decision", d, "reviewer_id", r.ReviewerID)

	if status.Promotable() && s.autoPromote == AutoPromoteImmediate {
		report, err := s.Promote(ctx, staging.Filter{StagedIDs: []string{stagedID}})
		if err != nil {
			return out, err
		}
		out.Promotion = &report
		if _, ok := report.GraphIDs[stagedID]; ok {
			out.Status = common.StatusIngested
		}
	}
	return out, nil
}

// AsStaged attaches the staged id to a pipeline error.
func AsStaged(err error, stagedID string) error {
	if e := common.AsError(err); e != nil {
		return e.WithStaged(stagedID)
	}
	return nil
}

// BulkOutcome is the result of ApproveAllPending.
type BulkOutcome struct {
	Approved  staging.BulkResult `json:"approved"`
	Promotion *promote.Report    `json:"promotion,omitempty"`
}

// ApproveAllPending approves every pending row of a document, or of all
// documents when documentID is empty. Rows are changed in chunks; a
// cancelled ctx stops between chunks. Unless auto-promotion is off, the
// approved rows are promoted afterwards. With the service policy off, the
// documents whose ingestion asked for promotion are still promoted.
func (s *Service) ApproveAllPending(ctx context.Context, documentID, reviewerID, notes string) (BulkOutcome, error) {
	if s.autoPromote != AutoPromoteOff {
		return s.approveAll(ctx, documentID, reviewerID, notes, true)
	}
	requested, err := s.requestedPromotion(ctx, documentID)
	if err != nil {
		return BulkOutcome{}, err
	}
	out, err := s.approveAll(ctx, documentID, reviewerID, notes, false)
	if err != nil || len(requested) == 0 {
		return out, err
	}
	report := promote.Report{GraphIDs: map[string]string{}}
	for _, id := range requested {
		r, err := s.Promote(ctx, staging.Filter{DocumentID: id})
		report.Merge(r)
		if err != nil {
			out.Promotion = &report
			return out, err
		}
	}
	out.Promotion = &report
	return out, nil
}

// requestedPromotion returns the documents with pending rows whose
// ingestion recorded a promoting policy, restricted to documentID when
// set.
func (s *Service) requestedPromotion(ctx context.Context, documentID string) ([]string, error) {
	pending := staging.Filter{DocumentID: documentID, Status: common.StatusPending}
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if documentID != "" {
		add(documentID)
	} else {
		entities, err := s.staging.ListEntities(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("list pending entities: %w", err)
		}
		for _, e := range entities {
			add(e.DocumentID)
		}
		relationships, err := s.staging.ListRelationships(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("list pending relationships: %w", err)
		}
		for _, r := range relationships {
			add(r.DocumentID)
		}
	}

	var out []string
	for _, id := range ids {
		doc, err := s.staging.GetDocument(ctx, id)
		if errors.Is(err, staging.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		if mode, err := ParseAutoPromote(doc.AutoPromote); err == nil && mode != AutoPromoteOff {
			out = append(out, id)
		}
	}
	return out, nil
}

// ApproveAndPromote approves every pending row of a document and promotes
// them whatever the configured policy. It backs direct ingestion.
func (s *Service) ApproveAndPromote(ctx context.Context, documentID, reviewerID string) (BulkOutcome, error) {
	return s.approveAll(ctx, documentID, reviewerID, "", true)
}

func (s *Service) approveAll(ctx context.Context, documentID, reviewerID, notes string, promote bool) (BulkOutcome, error) {
	var out BulkOutcome
	if strings.TrimSpace(reviewerID) == "" {
		reviewerID = SystemReviewer
	}
	res, err := s.staging.BulkSetStatus(ctx, staging.Filter{DocumentID: documentID}, staging.Update{
		Status:     common.StatusApproved,
		ReviewerID: optional(reviewerID),
		Notes:      optional(notes),
		At:         s.now(),
	})
	out.Approved = res
	if err != nil {
		return out, fmt.Errorf("approve pending rows: %w", err)
	}
	logger.Info("[Approval] Approved pending rows",
		"document_id", documentID,
		"entities", res.Entities,
		"relationships", res.Relationships,
	)

	if promote {
		report, err := s.Promote(ctx, staging.Filter{DocumentID: documentID})
		if err != nil {
			return out, err
		}
		out.Promotion = &report
	}
	return out, nil
}

// CleanPending deletes pending rows of a document, or of all documents
// when documentID is empty. Reviewed rows are never touched.
func (s *Service) CleanPending(ctx context.Context, documentID string) (staging.BulkResult, error) {
	res, err := s.staging.ClearPending(ctx, documentID)
	if err != nil {
		return res, fmt.Errorf("clean pending rows: %w", err)
	}
	logger.Info("[Approval] Cleaned pending rows", "document_id", documentID, "entities", res.Entities, "relationships", res.Relationships)
	return res, nil
}

// Promote runs the promoter over approved and modified rows matching f.
func (s *Service) Promote(ctx context.Context, f staging.Filter) (promote.Report, error) {
	if s.promoter == nil {
		return promote.Report{}, common.NewError(common.InvalidConfig, "no graph promoter configured").WithPhase(common.PhasePromotion)
	}
	return s.promoter.Promote(ctx, f)
}

// Statistics returns status counts of a document or of all documents.
func (s *Service) Statistics(ctx context.Context, documentID string) (common.Statistics, error) {
	return s.staging.Statistics(ctx, documentID)
}

// OpenSession starts an approval session for a document.
func (s *Service) OpenSession(ctx context.Context, documentID, reviewerID string) (common.ApprovalSession, error) {
	if _, err := s.staging.GetDocument(ctx, documentID); err != nil {
		return common.ApprovalSession{}, fmt.Errorf("document %s: %w", documentID, err)
	}
	return s.staging.CreateSession(ctx, documentID, optional(reviewerID))
}

// CompleteSession closes a session.
func (s *Service) CompleteSession(ctx context.Context, sessionID string) (common.ApprovalSession, error) {
	return s.staging.CompleteSession(ctx, sessionID, s.now())
}

// AfterIngest applies the policies that follow an ingestion batch: an
// approval session for the primary document when configured. It returns
// nil when no session was opened.
func (s *Service) AfterIngest(ctx context.Context, primaryDocumentID string) (*common.ApprovalSession, error) {
	if !s.autoSession || primaryDocumentID == "" {
		return nil, nil
	}
	sess, err := s.staging.CreateSession(ctx, primaryDocumentID, nil)
	if err != nil {
		return nil, fmt.Errorf("create approval session: %w", err)
	}
	logger.Info("[Approval] Opened approval session", "session_id", sess.SessionID, "document_id", primaryDocumentID)
	return &sess, nil
}
