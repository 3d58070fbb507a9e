// Package promote moves approved staged items into the property graph and
// hosts the maintenance operations that keep the graph tidy.
package promote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/leaselock"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

// reviewOnly lists staged properties that describe the review and are not
// copied onto graph nodes.
var reviewOnly = []string{"kind_hint"}

// Indexer receives every node that promotion created or changed.
type Indexer interface {
	IndexEntity(ctx context.Context, e common.GraphEntity) error
}

// Params configures a Promoter. Locker defaults to an in-process lock and
// MaxTries to 2.
type Params struct {
	Staging  staging.Store
	Graph    graphstore.Store
	Locker   leaselock.Locker
	Index    Indexer
	MaxTries int
	Backoff  util.Backoff
	Now      func() time.Time
}

// Promoter upserts approved and modified staged rows into the graph.
type Promoter struct {
	staging staging.Store
	graph   graphstore.Store
	locker  leaselock.Locker
	index   Indexer
	retry   util.RetryPolicy
	now     func() time.Time
}

// New creates a Promoter.
func New(p Params) *Promoter {
	if p.Locker == nil {
		p.Locker = leaselock.NewLocal()
	}
	if p.MaxTries <= 0 {
		p.MaxTries = 2
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Promoter{
		staging: p.Staging,
		graph:   p.Graph,
		locker:  p.Locker,
		index:   p.Index,
		now:     p.Now,
		retry: util.RetryPolicy{
			MaxTries: p.MaxTries,
			Backoff:  p.Backoff,
			Retryable: func(err error) bool {
				return common.KindOf(err).Transient()
			},
		},
	}
}

// Failure is a staged item that could not be promoted.
type Failure struct {
	StagedID string           `json:"staged_id"`
	Kind     common.ErrorKind `json:"kind"`
	Detail   string           `json:"detail"`
}

// Report summarizes one promotion run.
type Report struct {
	Entities      int       `json:"entities"`
	Relationships int       `json:"relationships"`
	Created       int       `json:"created"`
	Updated       int       `json:"updated"`
	Unchanged     int       `json:"unchanged"`
	Skipped       int       `json:"skipped"`
	Warnings      []string  `json:"warnings,omitempty"`
	Failures      []Failure `json:"failures,omitempty"`
	// GraphIDs maps promoted staged ids to graph ids.
	GraphIDs map[string]string `json:"graph_ids"`
}

func (r *Report) count(res graphstore.UpsertResult) {
	switch {
	case res.Created:
		r.Created++
	case res.Changed:
		r.Updated++
	default:
		r.Unchanged++
	}
}

// Merge adds the counts, warnings, failures and graph ids of o to r.
func (r *Report) Merge(o Report) {
	r.Entities += o.Entities
	r.Relationships += o.Relationships
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Skipped += o.Skipped
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Failures = append(r.Failures, o.Failures...)
	if r.GraphIDs == nil {
		r.GraphIDs = map[string]string{}
	}
	for k, v := range o.GraphIDs {
		r.GraphIDs[k] = v
	}
}

func (r *Report) fail(stagedID string, err error) {
	info := common.Describe(err)
	r.Failures = append(r.Failures, Failure{StagedID: stagedID, Kind: info.Kind, Detail: info.Detail})
}

// recoverable reports whether a per-item error may be recorded in the
// report instead of aborting the run.
func recoverable(err error) bool {
	switch common.KindOf(err).Category() {
	case common.CategoryData, common.CategoryState:
		return true
	}
	return false
}

// Promote upserts the approved and modified rows selected by f. Entities
// are promoted before relationships. Each promoted row is marked ingested
// with the id of its graph element. Data and state errors are recorded per
// item; anything else aborts the run.
func (p *Promoter) Promote(ctx context.Context, f staging.Filter) (Report, error) {
	report := Report{GraphIDs: map[string]string{}}

	entities, err := listPromotable(ctx, f, p.staging.ListEntities)
	if err != nil {
		return report, err
	}
	relationships, err := listPromotable(ctx, f, p.staging.ListRelationships)
	if err != nil {
		return report, err
	}
	slices.SortStableFunc(entities, func(a, b common.StagedEntity) int { return a.CreatedAt.Compare(b.CreatedAt) })
	slices.SortStableFunc(relationships, func(a, b common.StagedRelationship) int { return a.CreatedAt.Compare(b.CreatedAt) })

	logger.Info("[Promote] Starting promotion", "entities", len(entities), "relationships", len(relationships), "document_id", f.DocumentID)

	for _, se := range entities {
		if err := common.FromContext(ctx, common.PhasePromotion); err != nil {
			return report, err
		}
		if err := p.promoteEntity(ctx, se, &report); err != nil {
			if !recoverable(err) {
				return report, err
			}
			logger.Warn("[Promote] Entity not promoted", "staged_id", se.StagedID, "err", err)
			report.fail(se.StagedID, err)
		}
	}
	for _, sr := range relationships {
		if err := common.FromContext(ctx, common.PhasePromotion); err != nil {
			return report, err
		}
		if err := p.promoteRelationship(ctx, sr, &report); err != nil {
			if !recoverable(err) {
				return report, err
			}
			logger.Warn("[Promote] Relationship not promoted", "staged_id", sr.StagedID, "err", err)
			report.fail(sr.StagedID, err)
		}
	}

	logger.Info("[Promote] Promotion finished",
		"entities", report.Entities,
		"relationships", report.Relationships,
		"created", report.Created,
		"updated", report.Updated,
		"failures", len(report.Failures),
	)
	return report, nil
}

func listPromotable[T any](ctx context.Context, f staging.Filter, list func(context.Context, staging.Filter) ([]T, error)) ([]T, error) {
	f.Limit, f.Offset = 0, 0
	var out []T
	for _, status := range []common.ApprovalStatus{common.StatusApproved, common.StatusModified} {
		if f.Status != "" && f.Status != status {
			continue
		}
		sf := f
		sf.Status = status
		rows, err := list(ctx, sf)
		if err != nil {
			return nil, fmt.Errorf("list %s rows: %w", status, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// NodeAttributes returns the graph attributes of a staged entity.
func NodeAttributes(se common.StagedEntity) map[string]any {
	attrs := make(map[string]any, len(se.Properties))
	for k, v := range se.Properties {
		if slices.Contains(reviewOnly, k) {
			continue
		}
		attrs[k] = v
	}
	return attrs
}

func (p *Promoter) promoteEntity(ctx context.Context, se common.StagedEntity, report *Report) error {
	type upserted struct {
		entity common.GraphEntity
		result graphstore.UpsertResult
	}
	out, err := util.RetryWithPolicy(ctx, p.retry, func(ctx context.Context) (upserted, error) {
		e, res, err := p.graph.UpsertEntity(ctx, graphstore.EntityUpsert{
			Kind:          se.Kind,
			CanonicalName: se.Name,
			Attributes:    NodeAttributes(se),
			Provenance:    common.Provenance{DocumentID: se.DocumentID, StagedID: se.StagedID},
			At:            p.now(),
		})
		return upserted{e, res}, err
	})
	if err != nil {
		return fmt.Errorf("upsert %s %q: %w", se.Kind, se.Name, err)
	}
	if err := p.markIngested(ctx, se.StagedID, out.entity.GraphID); err != nil {
		return err
	}

	report.Entities++
	report.count(out.result)
	report.GraphIDs[se.StagedID] = out.entity.GraphID

	if p.index != nil && out.result.Changed {
		if err := p.index.IndexEntity(ctx, out.entity); err != nil {
			logger.Warn("[Promote] Failed to index node", "graph_id", out.entity.GraphID, "err", err)
			report.Warnings = append(report.Warnings, fmt.Sprintf("index %s: %v", out.entity.CanonicalName, err))
		}
	}
	return nil
}

func (p *Promoter) promoteRelationship(ctx context.Context, sr common.StagedRelationship, report *Report) error {
	source, err := p.resolve(ctx, sr.SourceStagedID, report)
	if err != nil {
		return err
	}
	target, err := p.resolve(ctx, sr.TargetStagedID, report)
	if err != nil {
		return err
	}
	if source == target {
		msg := fmt.Sprintf("skipped %s %s: source and target are the same node", sr.Kind, sr.StagedID)
		logger.Warn("[Promote] Skipping self-edge", "staged_id", sr.StagedID, "graph_id", source)
		report.Warnings = append(report.Warnings, msg)
		report.Skipped++
		return nil
	}

	type upserted struct {
		edge   common.GraphRelationship
		result graphstore.UpsertResult
	}
	out, err := util.RetryWithPolicy(ctx, p.retry, func(ctx context.Context) (upserted, error) {
		e, res, err := p.graph.UpsertRelationship(ctx, graphstore.RelationshipUpsert{
			SourceID:   source,
			TargetID:   target,
			Kind:       sr.Kind,
			Attributes: sr.Properties,
			Provenance: common.Provenance{DocumentID: sr.DocumentID, StagedID: sr.StagedID},
			At:         p.now(),
		})
		return upserted{e, res}, err
	})
	if err != nil {
		return fmt.Errorf("upsert %s edge: %w", sr.Kind, err)
	}
	if err := p.markIngested(ctx, sr.StagedID, out.edge.GraphID); err != nil {
		return err
	}
	report.Relationships++
	report.count(out.result)
	report.GraphIDs[sr.StagedID] = out.edge.GraphID
	return nil
}

// resolve finds the node of a staged entity: the node promoted in this
// run, the graph id recorded at ingestion, or a node with the same kind
// and name.
func (p *Promoter) resolve(ctx context.Context, stagedID string, report *Report) (string, error) {
	if id, ok := report.GraphIDs[stagedID]; ok {
		return id, nil
	}
	se, err := p.staging.GetEntity(ctx, stagedID)
	if errors.Is(err, staging.ErrNotFound) {
		return "", common.NewError(common.UnresolvedEndpoint, "staged entity %s does not exist", stagedID).
			WithPhase(common.PhasePromotion).WithStaged(stagedID)
	}
	if err != nil {
		return "", err
	}
	if se.GraphID != nil {
		if _, err := p.graph.GetEntity(ctx, *se.GraphID); err == nil {
			return *se.GraphID, nil
		} else if !errors.Is(err, graphstore.ErrNotFound) {
			return "", err
		}
	}
	for _, fold := range []bool{false, true} {
		found, err := p.graph.FindEntities(ctx, graphstore.EntityQuery{Kind: se.Kind, Name: se.Name, FoldCase: fold})
		if err != nil {
			return "", err
		}
		if len(found) > 0 {
			return found[0].GraphID, nil
		}
	}
	return "", common.NewError(common.UnresolvedEndpoint, "no %s node named %q", se.Kind, se.Name).
		WithPhase(common.PhasePromotion).WithStaged(stagedID)
}

func (p *Promoter) markIngested(ctx context.Context, stagedID, graphID string) error {
	return util.RetryErrWithContext(ctx, p.retry, func(ctx context.Context) error {
		return p.staging.MarkIngested(ctx, stagedID, graphID, p.now())
	})
}
