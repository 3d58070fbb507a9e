// Package extract turns chunked document text into an ExtractedEntitySet
// using an LLM with a strict JSON response contract.
package extract

import (
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// DefaultWindowChars bounds the text sent in a single LLM call.
const DefaultWindowChars = 50000

// DefaultRoleTaxonomy is the role category enumeration used when the
// caller does not supply one.
var DefaultRoleTaxonomy = []string{
	"executive_directors",
	"non_executive_directors",
	"independent_directors",
	"chairman",
	"deputy_chairman",
	"ceo_coo",
	"company_secretaries",
	"board_committees",
	"auditors",
	"other_roles",
}

// Options selects the categories to extract. Decoding JSON into the
// value returned by DefaultOptions keeps the defaults for absent keys.
type Options struct {
	People        bool     `json:"extract_people"`
	Companies     bool     `json:"extract_companies"`
	Roles         bool     `json:"extract_roles"`
	Relationships bool     `json:"extract_relationships"`
	Locations     bool     `json:"extract_locations"`
	RoleTaxonomy  []string `json:"role_taxonomy,omitempty"`
	WindowChars   int      `json:"max_chunk_chars_per_call,omitempty"`

	// Progress is called after each LLM window with the number of
	// finished windows and the total.
	Progress func(done, total int) `json:"-"`
}

// DefaultOptions enables every category.
func DefaultOptions() Options {
	return Options{
		People:        true,
		Companies:     true,
		Roles:         true,
		Relationships: true,
		Locations:     true,
		RoleTaxonomy:  DefaultRoleTaxonomy,
		WindowChars:   DefaultWindowChars,
	}
}

func (o Options) withDefaults() Options {
	if len(o.RoleTaxonomy) == 0 {
		o.RoleTaxonomy = DefaultRoleTaxonomy
	}
	if o.WindowChars <= 0 {
		o.WindowChars = DefaultWindowChars
	}
	return o
}

// Validate rejects option sets that request nothing.
func (o Options) Validate() error {
	if !o.People && !o.Companies && !o.Roles && !o.Relationships && !o.Locations {
		return common.NewError(common.InvalidConfig, "no extraction category enabled").WithPhase(common.PhaseExtraction)
	}
	if o.WindowChars < 0 {
		return common.NewError(common.InvalidConfig, "max_chunk_chars_per_call must not be negative").WithPhase(common.PhaseExtraction)
	}
	return nil
}
