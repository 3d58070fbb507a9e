package pipeline

import (
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/extract"
)

// DefaultMaxConcurrentDocuments bounds the documents processed at once.
const DefaultMaxConcurrentDocuments = 4

// Mode selects whether staged rows wait for review.
type Mode string

const (
	// ModeStaging leaves extracted rows pending for review.
	ModeStaging Mode = "staging"
	// ModeDirect approves and promotes every row right after staging.
	ModeDirect Mode = "direct"
)

// Cleanup selects what is cleared before the first document.
type Cleanup string

const (
	CleanupNone    Cleanup = "none"
	CleanupGraph   Cleanup = "graph"
	CleanupStaging Cleanup = "staging"
	CleanupAll     Cleanup = "all"
)

func (c Cleanup) graph() bool   { return c == CleanupGraph || c == CleanupAll }
func (c Cleanup) staging() bool { return c == CleanupStaging || c == CleanupAll }

// Options configures one ingestion run. Decoding JSON into the value
// returned by Pipeline.DefaultOptions keeps the defaults for absent keys.
type Options struct {
	Mode          Mode                 `json:"mode"`
	CleanupBefore Cleanup              `json:"cleanup_before"`
	Chunking      chunker.Config       `json:"chunking"`
	Extraction    extract.Options      `json:"extraction"`
	AutoPromote   approval.AutoPromote `json:"auto_promote"`
	// BatchID groups the staged rows of the run. A random id is used when
	// empty.
	BatchID string `json:"batch_id,omitempty"`
	// MaxConcurrentDocuments overrides the pipeline default when > 0.
	MaxConcurrentDocuments int `json:"max_concurrent_documents,omitempty"`
}

// promotesEachDocument reports whether rows are promoted as soon as a
// document is staged.
func (o Options) promotesEachDocument() bool {
	return o.Mode == ModeDirect || o.AutoPromote == approval.AutoPromoteImmediate
}

// Validate checks the enumerated options and the nested chunking and
// extraction settings.
func (o Options) Validate() error {
	switch o.Mode {
	case ModeStaging, ModeDirect:
	default:
		return common.NewError(common.InvalidConfig, "unknown mode %q", o.Mode)
	}
	switch o.CleanupBefore {
	case CleanupNone, CleanupGraph, CleanupStaging, CleanupAll:
	default:
		return common.NewError(common.InvalidConfig, "unknown cleanup_before %q", o.CleanupBefore)
	}
	if _, err := approval.ParseAutoPromote(string(o.AutoPromote)); err != nil {
		return err
	}
	if o.MaxConcurrentDocuments < 0 {
		return common.NewError(common.InvalidConfig, "max_concurrent_documents must not be negative")
	}
	if err := o.Chunking.WithDefaults().Validate(); err != nil {
		return err
	}
	return o.Extraction.Validate()
}
