package common

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind is the label of an authoritative graph node. A node carries
// exactly one of these labels.
type EntityKind string

const (
	EntityPerson  EntityKind = "Person"
	EntityCompany EntityKind = "Company"
)

// CatchAllLabel is the generic label older graph data may carry next to
// Person or Company. Promotion and label normalization strip it.
const CatchAllLabel = "Entity"

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	return k == EntityPerson || k == EntityCompany
}

// ParseEntityKind maps loose spellings ("person", "organization", "org",
// "company") to an EntityKind.
func ParseEntityKind(s string) (EntityKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "person", "people":
		return EntityPerson, true
	case "company", "companies", "organization", "organisation", "org":
		return EntityCompany, true
	}
	return "", false
}

// KindHint records how confident the classifier was about a candidate.
// Ambiguous candidates keep the kind of the bucket they were extracted from
// and are flagged for reviewer attention.
type KindHint string

const (
	HintPerson       KindHint = "Person"
	HintOrganization KindHint = "Organization"
	HintAmbiguous    KindHint = "Ambiguous"
)

// RelationKind is the type of a relationship between two entities.
type RelationKind string

const (
	Employment      RelationKind = "Employment"
	Leadership      RelationKind = "Leadership"
	BoardMembership RelationKind = "BoardMembership"
	Ownership       RelationKind = "Ownership"
	Partnership     RelationKind = "Partnership"
	Investment      RelationKind = "Investment"
	Acquisition     RelationKind = "Acquisition"
	Association     RelationKind = "Association"
)

// RelationKinds lists every relation kind in a stable order.
var RelationKinds = []RelationKind{
	Employment,
	Leadership,
	BoardMembership,
	Ownership,
	Partnership,
	Investment,
	Acquisition,
	Association,
}

// ParseRelationKind resolves a relation kind case-insensitively and ignores
// spaces, dashes and underscores, so "board membership" and
// "BOARD_MEMBERSHIP" both resolve to BoardMembership.
func ParseRelationKind(s string) (RelationKind, bool) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range RelationKinds {
		if strings.ToLower(string(k)) == key {
			return k, true
		}
	}
	return "", false
}

// PersonToOrganization reports whether the relation kind is expected to
// point from a Person to a Company.
func (k RelationKind) PersonToOrganization() bool {
	switch k {
	case Employment, Leadership, BoardMembership:
		return true
	}
	return false
}

// Document is an ingested text. It is immutable once created; its ID is
// derived from its content so re-submitting the same document maps to the
// same ID.
type Document struct {
	ID       string         `json:"document_id"`
	Title    string         `json:"title"`
	Source   string         `json:"source"`
	RawText  string         `json:"raw_text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// AutoPromote is the promotion policy requested by the ingestion that
	// staged the document. Empty when none was recorded.
	AutoPromote string    `json:"auto_promote,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Chunk is a contiguous slice of a document's raw text. StartChar and
// EndChar are rune offsets into Document.RawText and always describe the
// chunk's own span; overlap context, if configured, is only prepended to
// Text.
type Chunk struct {
	ID            string `json:"chunk_id"`
	DocumentID    string `json:"document_id"`
	Index         int    `json:"index"`
	StartChar     int    `json:"start_char"`
	EndChar       int    `json:"end_char"`
	Overlap       int    `json:"overlap"`
	Text          string `json:"text"`
	TokenEstimate int    `json:"token_estimate"`
}

// Body returns the chunk text without the overlap prefix.
func (c Chunk) Body() string {
	if c.Overlap <= 0 {
		return c.Text
	}
	r := []rune(c.Text)
	if c.Overlap >= len(r) {
		return ""
	}
	return string(r[c.Overlap:])
}

// Span points at a range inside a chunk where a candidate was observed.
type Span struct {
	ChunkID string `json:"chunk_id"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Candidate is an extracted Person or Organization before it is persisted.
//
// Name keeps the surface form chosen as canonical (original casing).
// Aliases holds every distinct surface form observed for the same entity,
// including Name.
type Candidate struct {
	Name           string         `json:"name"`
	NormalizedName string         `json:"normalized_name"`
	Kind           EntityKind     `json:"kind"`
	Hint           KindHint       `json:"kind_hint"`
	Aliases        []string       `json:"aliases,omitempty"`
	Spans          []Span         `json:"raw_text_spans,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Role is a flattened corporate role. The UI-facing grouping by category
// is produced by ExtractedEntitySet.RolesByCategory.
type Role struct {
	PersonName       string         `json:"person_name"`
	Category         string         `json:"role_category"`
	Title            string         `json:"role_title"`
	OrganizationName string         `json:"organization_name,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

// RelationCandidate is an extracted relationship between two named
// candidates.
type RelationCandidate struct {
	SourceName string         `json:"source_name"`
	TargetName string         `json:"target_name"`
	Kind       RelationKind   `json:"relation_kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ExtractedEntitySet is the document-scoped output of extraction. It only
// lives in memory between extraction and staging.
type ExtractedEntitySet struct {
	DocumentID    string              `json:"document_id"`
	People        []Candidate         `json:"people"`
	Companies     []Candidate         `json:"companies"`
	Locations     []string            `json:"locations,omitempty"`
	Roles         []Role              `json:"roles,omitempty"`
	Relationships []RelationCandidate `json:"relationships"`
	Warnings      []string            `json:"warnings,omitempty"`
}

// Warnf appends a formatted warning to the set.
func (s *ExtractedEntitySet) Warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// EntityCount returns the number of people and companies in the set.
func (s *ExtractedEntitySet) EntityCount() int {
	return len(s.People) + len(s.Companies)
}

// RolesByCategory groups roles as "<person> (<title>)" strings per role
// category.
func (s *ExtractedEntitySet) RolesByCategory() map[string][]string {
	out := make(map[string][]string)
	for _, r := range s.Roles {
		entry := r.PersonName
		if r.Title != "" {
			entry = fmt.Sprintf("%s (%s)", r.PersonName, r.Title)
		}
		out[r.Category] = append(out[r.Category], entry)
	}
	return out
}

// ApprovalStatus is the review state of a staged item.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusModified ApprovalStatus = "modified"
	StatusIngested ApprovalStatus = "ingested"
)

// Valid reports whether s is a known status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusModified, StatusIngested:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusIngested
}

// Promotable reports whether items in status s are ready for promotion.
func (s ApprovalStatus) Promotable() bool {
	return s == StatusApproved || s == StatusModified
}

// StagedEntity is a persisted Person or Company candidate awaiting review.
type StagedEntity struct {
	StagedID    string         `json:"staged_id"`
	Kind        EntityKind     `json:"entity_kind"`
	Name        string         `json:"name"`
	Properties  map[string]any `json:"properties"`
	DocumentID  string         `json:"document_id"`
	SourceRange []Span         `json:"source_range,omitempty"`
	Status      ApprovalStatus `json:"approval_status"`
	ReviewerID  *string        `json:"reviewer_id,omitempty"`
	ReviewedAt  *time.Time     `json:"reviewed_at,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
	BatchID     *string        `json:"batch_id,omitempty"`
	GraphID     *string        `json:"graph_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StagedRelationship is a persisted relationship candidate. Its endpoints
// reference staged entities of the same document.
type StagedRelationship struct {
	StagedID       string         `json:"staged_id"`
	DocumentID     string         `json:"document_id"`
	SourceStagedID string         `json:"source_staged_id"`
	TargetStagedID string         `json:"target_staged_id"`
	Kind           RelationKind   `json:"relation_kind"`
	Properties     map[string]any `json:"properties"`
	Status         ApprovalStatus `json:"approval_status"`
	ReviewerID     *string        `json:"reviewer_id,omitempty"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	BatchID        *string        `json:"batch_id,omitempty"`
	GraphID        *string        `json:"graph_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StatusCounts holds the number of staged items per status.
type StatusCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Modified int `json:"modified"`
	Ingested int `json:"ingested"`
}

// Add increments the counter for status s by n.
func (c *StatusCounts) Add(s ApprovalStatus, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusApproved:
		c.Approved += n
	case StatusRejected:
		c.Rejected += n
	case StatusModified:
		c.Modified += n
	case StatusIngested:
		c.Ingested += n
	}
}

// Total returns the sum over all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Approved + c.Rejected + c.Modified + c.Ingested
}

// Statistics are status counts for entities and relationships.
type Statistics struct {
	Entities      StatusCounts `json:"entities"`
	Relationships StatusCounts `json:"relationships"`
}

// ApprovalSession aggregates the review of one document.
type ApprovalSession struct {
	SessionID   string       `json:"session_id"`
	DocumentID  string       `json:"document_id"`
	ReviewerID  *string      `json:"reviewer_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Totals      StatusCounts `json:"totals"`
}

// Provenance links a graph element back to the staged item and document it
// was promoted from.
type Provenance struct {
	DocumentID string `json:"document_id"`
	StagedID   string `json:"staged_id"`
}

// String encodes the provenance as "<document_id>:<staged_id>".
func (p Provenance) String() string {
	return p.DocumentID + ":" + p.StagedID
}

// ParseProvenance decodes the String form.
func ParseProvenance(s string) Provenance {
	doc, staged, _ := strings.Cut(s, ":")
	return Provenance{DocumentID: doc, StagedID: staged}
}

// GraphEntity is an authoritative node. CanonicalName is unique per Kind.
type GraphEntity struct {
	GraphID       string         `json:"graph_id"`
	Kind          EntityKind     `json:"kind"`
	CanonicalName string         `json:"canonical_name"`
	Labels        []string       `json:"labels,omitempty"`
	Attributes    map[string]any `json:"attributes"`
	Provenance    []Provenance   `json:"provenance"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// GraphRelationship is an authoritative edge. There is at most one edge per
// (source, target, kind) and source never equals target.
type GraphRelationship struct {
	GraphID       string         `json:"graph_id"`
	SourceGraphID string         `json:"source_graph_id"`
	TargetGraphID string         `json:"target_graph_id"`
	Kind          RelationKind   `json:"relation_kind"`
	Attributes    map[string]any `json:"attributes"`
	Provenance    []Provenance   `json:"provenance"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SliceNode is a node of a GraphSlice.
type SliceNode struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes"`
}

// SliceEdge is an edge of a GraphSlice.
type SliceEdge struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Attributes map[string]any `json:"attributes"`
}

// GraphSlice is a self-contained subgraph returned to callers. IDs are
// stable within one slice but need not equal backend IDs.
type GraphSlice struct {
	Nodes []SliceNode `json:"nodes"`
	Edges []SliceEdge `json:"edges"`
}
