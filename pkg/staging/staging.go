// Package staging defines the store that holds extracted candidates while
// they await review, and the helpers shared by its backends.
package staging

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// BulkChunkSize is the maximum number of rows changed per transaction by
// bulk operations.
const BulkChunkSize = 1000

// ID prefixes of staged rows and sessions.
const (
	EntityPrefix       = "se_"
	RelationshipPrefix = "sr_"
	SessionPrefix      = "as_"
	BatchPrefix        = "b_"
)

// ErrNotFound is returned when a staged item, session or document does not
// exist.
var ErrNotFound = errors.New("not found")

// Item distinguishes staged entities from staged relationships.
type Item string

const (
	ItemEntity       Item = "entity"
	ItemRelationship Item = "relationship"
)

// ItemOf derives the item type from a staged id.
func ItemOf(stagedID string) (Item, bool) {
	switch {
	case strings.HasPrefix(stagedID, EntityPrefix):
		return ItemEntity, true
	case strings.HasPrefix(stagedID, RelationshipPrefix):
		return ItemRelationship, true
	}
	return "", false
}

// NewID returns a random id with the given prefix.
func NewID(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	return prefix + id, nil
}

// Filter selects staged rows. Zero fields do not constrain. Limit 0 means
// no limit.
type Filter struct {
	DocumentID   string                `json:"document_id,omitempty" query:"document_id"`
	Status       common.ApprovalStatus `json:"status,omitempty" query:"status"`
	Kind         common.EntityKind     `json:"kind,omitempty" query:"kind"`
	BatchID      string                `json:"batch_id,omitempty" query:"batch_id"`
	CreatedAfter *time.Time            `json:"created_after,omitempty" query:"created_after"`
	StagedIDs    []string              `json:"staged_ids,omitempty"`
	Limit        int                   `json:"limit,omitempty" query:"limit"`
	Offset       int                   `json:"offset,omitempty" query:"offset"`
}

// Update is a status change of one or more staged rows. Modifications
// are merged into the row's properties.
type Update struct {
	Status        common.ApprovalStatus
	ReviewerID    *string
	Notes         *string
	Modifications map[string]any
	At            time.Time
}

// InsertResult summarizes InsertCandidates.
type InsertResult struct {
	DocumentID      string   `json:"document_id"`
	BatchID         string   `json:"batch_id"`
	EntityIDs       []string `json:"entity_ids"`
	RelationshipIDs []string `json:"relationship_ids"`
	Warnings        []string `json:"warnings,omitempty"`
}

// BulkResult counts the rows changed by a bulk operation.
type BulkResult struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

// Store persists staged candidates. Every method is its own unit of work;
// InsertCandidates is atomic per document.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	// SaveDocument stores doc. Saving a known document only refreshes its
	// AutoPromote.
	SaveDocument(ctx context.Context, doc common.Document) error
	GetDocument(ctx context.Context, documentID string) (common.Document, error)
	// DeleteDocument removes the document and every staged row of it.
	DeleteDocument(ctx context.Context, documentID string) error

	// InsertCandidates stages the entities then the relationships of set in
	// one transaction. A pending row with the same (document, kind, name)
	// is updated in place and keeps its id and created_at; rows in any
	// other status are left alone and a new pending row is created.
	InsertCandidates(ctx context.Context, documentID string, set common.ExtractedEntitySet, batchID string) (InsertResult, error)

	ListEntities(ctx context.Context, f Filter) ([]common.StagedEntity, error)
	ListRelationships(ctx context.Context, f Filter) ([]common.StagedRelationship, error)
	GetEntity(ctx context.Context, stagedID string) (common.StagedEntity, error)
	GetRelationship(ctx context.Context, stagedID string) (common.StagedRelationship, error)

	// SetStatus moves a pending row to u.Status. It fails with
	// InvalidTransition when the row is no longer pending.
	SetStatus(ctx context.Context, stagedID string, u Update) error
	// BulkSetStatus applies u to the pending rows matching f in chunks of
	// at most BulkChunkSize rows per transaction. A cancelled ctx stops
	// between chunks; the count of rows already changed is returned.
	BulkSetStatus(ctx context.Context, f Filter, u Update) (BulkResult, error)
	// MarkIngested moves an approved or modified row to ingested and
	// records the graph id it was promoted to.
	MarkIngested(ctx context.Context, stagedID, graphID string, at time.Time) error
	// ClearPending deletes pending rows, of one document or all when
	// documentID is empty. Relationships referencing a deleted entity go
	// with it.
	ClearPending(ctx context.Context, documentID string) (BulkResult, error)
	Statistics(ctx context.Context, documentID string) (common.Statistics, error)

	CreateSession(ctx context.Context, documentID string, reviewerID *string) (common.ApprovalSession, error)
	GetSession(ctx context.Context, sessionID string) (common.ApprovalSession, error)
	ListSessions(ctx context.Context, documentID string) ([]common.ApprovalSession, error)
	CompleteSession(ctx context.Context, sessionID string, at time.Time) (common.ApprovalSession, error)
}

// EntityRef identifies a staged entity within a document by kind and name.
type EntityRef struct {
	Kind common.EntityKind
	Name string
}

// Key is the case-insensitive identity of the reference.
func (r EntityRef) Key() string {
	return string(r.Kind) + "|" + strings.ToLower(r.Name)
}

// PlannedRelationship is a relationship row whose endpoints are still
// names; backends resolve them to staged ids after upserting entities.
type PlannedRelationship struct {
	Row    common.StagedRelationship
	Source EntityRef
	Target EntityRef
}

// InsertPlan is the backend independent part of InsertCandidates.
type InsertPlan struct {
	Entities      []common.StagedEntity
	Relationships []PlannedRelationship
	Warnings      []string
}

// Plan turns an extracted set into staged rows. New rows get fresh ids,
// status pending and timestamps now.
func Plan(documentID string, set common.ExtractedEntitySet, batchID string, now time.Time) (InsertPlan, error) {
	var plan InsertPlan
	var batch *string
	if batchID != "" {
		batch = &batchID
	}

	kinds := map[string]common.EntityKind{}
	rolesByPerson := map[string][]map[string]any{}
	for _, r := range set.Roles {
		role := map[string]any{"category": r.Category}
		if r.Title != "" {
			role["title"] = r.Title
		}
		if r.OrganizationName != "" {
			role["organization"] = r.OrganizationName
		}
		k := strings.ToLower(r.PersonName)
		rolesByPerson[k] = append(rolesByPerson[k], role)
	}

	seen := map[string]bool{}
	addEntity := func(c common.Candidate) error {
		if c.Name == "" || !c.Kind.Valid() {
			return nil
		}
		ref := EntityRef{Kind: c.Kind, Name: c.Name}
		if seen[ref.Key()] {
			return nil
		}
		seen[ref.Key()] = true
		kinds[strings.ToLower(c.Name)] = c.Kind

		id, err := NewID(EntityPrefix)
		if err != nil {
			return err
		}
		plan.Entities = append(plan.Entities, common.StagedEntity{
			StagedID:    id,
			Kind:        c.Kind,
			Name:        c.Name,
			Properties:  EntityProperties(c, rolesByPerson[strings.ToLower(c.Name)]),
			DocumentID:  documentID,
			SourceRange: c.Spans,
			Status:      common.StatusPending,
			BatchID:     batch,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		return nil
	}
	for _, c := range set.People {
		if err := addEntity(c); err != nil {
			return plan, err
		}
	}
	for _, c := range set.Companies {
		if err := addEntity(c); err != nil {
			return plan, err
		}
	}

	for _, r := range set.Relationships {
		sk, okS := kinds[strings.ToLower(r.SourceName)]
		tk, okT := kinds[strings.ToLower(r.TargetName)]
		if !okS || !okT {
			plan.Warnings = append(plan.Warnings, "relationship "+r.SourceName+" -> "+r.TargetName+" has an endpoint that was not staged")
			continue
		}
		source, target := EntityRef{Kind: sk, Name: r.SourceName}, EntityRef{Kind: tk, Name: r.TargetName}
		if source.Key() == target.Key() {
			plan.Warnings = append(plan.Warnings, "relationship "+r.SourceName+" -> "+r.TargetName+" points at itself")
			continue
		}
		id, err := NewID(RelationshipPrefix)
		if err != nil {
			return plan, err
		}
		props := map[string]any{}
		for k, v := range r.Attributes {
			props[k] = v
		}
		plan.Relationships = append(plan.Relationships, PlannedRelationship{
			Row: common.StagedRelationship{
				StagedID:   id,
				DocumentID: documentID,
				Kind:       r.Kind,
				Properties: props,
				Status:     common.StatusPending,
				BatchID:    batch,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			Source: source,
			Target: target,
		})
	}
	return plan, nil
}

// EntityProperties builds the properties of a staged entity: its
// attributes plus aliases, normalized name, kind hint and roles.
func EntityProperties(c common.Candidate, roles []map[string]any) map[string]any {
	props := make(map[string]any, len(c.Attributes)+4)
	for k, v := range c.Attributes {
		props[k] = v
	}
	if len(c.Aliases) > 0 {
		aliases := make([]any, len(c.Aliases))
		for i, a := range c.Aliases {
			aliases[i] = a
		}
		props["aliases"] = aliases
	}
	if c.NormalizedName != "" {
		props["normalized_name"] = c.NormalizedName
	}
	if c.Hint != "" {
		props["kind_hint"] = string(c.Hint)
	}
	if len(roles) > 0 {
		list := make([]any, len(roles))
		for i, r := range roles {
			list[i] = r
		}
		props["roles"] = list
	}
	return props
}

// MergeProperties returns base overlaid with mods. Neither map is
// modified.
func MergeProperties(base, mods map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(mods))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range mods {
		out[k] = v
	}
	return out
}

var transitions = map[common.ApprovalStatus][]common.ApprovalStatus{
	common.StatusPending:  {common.StatusApproved, common.StatusModified, common.StatusRejected},
	common.StatusApproved: {common.StatusIngested},
	common.StatusModified: {common.StatusIngested},
}

// CanTransition reports whether a row may move from one status to another.
func CanTransition(from, to common.ApprovalStatus) bool {
	return slices.Contains(transitions[from], to)
}

// InvalidTransition builds the error for a row whose status does not allow
// the move to to. It returns nil when the move is allowed.
func InvalidTransition(stagedID string, current, to common.ApprovalStatus) error {
	if CanTransition(current, to) {
		return nil
	}
	allowed := "none"
	if next := transitions[current]; len(next) > 0 {
		names := make([]string, len(next))
		for i, st := range next {
			names[i] = string(st)
		}
		allowed = strings.Join(names, ", ")
	}
	return common.NewError(common.InvalidTransition, "cannot move %s from %s to %s (allowed: %s)", stagedID, current, to, allowed).
		WithPhase(common.PhaseApproval).
		WithStaged(stagedID)
}

// CheckReviewStatus fails with InvalidTransition unless pending rows may
// move to to.
func CheckReviewStatus(to common.ApprovalStatus) error {
	if CanTransition(common.StatusPending, to) {
		return nil
	}
	return common.NewError(common.InvalidTransition, "pending rows cannot move to %s", to).WithPhase(common.PhaseApproval)
}
