// Package graphstore defines the authoritative property graph: Person and
// Company nodes unique by canonical name, and typed edges unique by
// (source, target, kind).
package graphstore

import (
	"context"
	"errors"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("graph node not found")

// EntityUpsert describes a node to create or merge into.
type EntityUpsert struct {
	Kind          common.EntityKind
	CanonicalName string
	Attributes    map[string]any
	Provenance    common.Provenance
	At            time.Time
}

// RelationshipUpsert describes an edge between two existing nodes.
type RelationshipUpsert struct {
	SourceID   string
	TargetID   string
	Kind       common.RelationKind
	Attributes map[string]any
	Provenance common.Provenance
	At         time.Time
}

// UpsertResult reports whether an upsert created or changed anything.
type UpsertResult struct {
	Created bool
	Changed bool
}

// EntityQuery selects nodes by name. Kind may be empty.
type EntityQuery struct {
	Kind     common.EntityKind
	Name     string
	FoldCase bool
}

// MergeResult counts what a node merge rewrote.
type MergeResult struct {
	EdgesMoved   int `json:"edges_moved"`
	EdgesMerged  int `json:"edges_merged"`
	EdgesDropped int `json:"edges_dropped"`
}

// Stats counts nodes per label and edges per kind.
type Stats struct {
	Nodes map[string]int `json:"nodes"`
	Edges map[string]int `json:"edges"`
}

// Store is the property-graph backend used by promotion and queries. Each
// upsert is its own transaction.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// UpsertEntity matches on (kind, canonical name), merges attributes
	// with MergeAttributes and appends the provenance. Catch-all labels on
	// the matched node are removed.
	UpsertEntity(ctx context.Context, u EntityUpsert) (common.GraphEntity, UpsertResult, error)
	// UpsertRelationship matches on (source, target, kind). Both nodes
	// must exist; equal endpoints are refused.
	UpsertRelationship(ctx context.Context, u RelationshipUpsert) (common.GraphRelationship, UpsertResult, error)

	GetEntity(ctx context.Context, graphID string) (common.GraphEntity, error)
	FindEntities(ctx context.Context, q EntityQuery) ([]common.GraphEntity, error)
	// SearchEntities returns nodes whose name or aliases match any word of
	// text, best matches first.
	SearchEntities(ctx context.Context, text string, limit int) ([]common.GraphEntity, error)
	// ListEntities returns every node of kind ordered by creation time.
	ListEntities(ctx context.Context, kind common.EntityKind) ([]common.GraphEntity, error)
	// Relationships returns every edge touching the node.
	Relationships(ctx context.Context, graphID string) ([]common.GraphRelationship, error)

	// MergeNodes folds duplicate into primary: attributes and provenance
	// are merged, edges are rewritten onto primary without creating
	// duplicates or self-edges, and duplicate is deleted.
	MergeNodes(ctx context.Context, primaryID, duplicateID string) (MergeResult, error)
	// NormalizeLabels strips the catch-all label from every node.
	NormalizeLabels(ctx context.Context) (int, error)
	EnsureIndices(ctx context.Context) error
	// Clear deletes every node and edge.
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}

// SelfEdge builds the error for an edge whose endpoints coincide.
func SelfEdge(graphID string, kind common.RelationKind) error {
	return common.NewError(common.UnresolvedEndpoint, "%s edge from %s to itself", kind, graphID).
		WithPhase(common.PhasePromotion)
}

// MissingEndpoint builds the error for an edge whose node does not exist.
func MissingEndpoint(graphID string) error {
	return common.NewError(common.CorruptState, "edge endpoint %s does not exist", graphID).
		WithPhase(common.PhasePromotion)
}
