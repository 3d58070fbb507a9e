package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
)

// Response keys, in prompt order.
const (
	keyPeople        = "people"
	keyCompanies     = "companies"
	keyLocations     = "locations"
	keyRoles         = "corporate_roles"
	keyRelationships = "relationships"
)

type categorySpec struct {
	Description string `json:"description"`
	Shape       string `json:"shape"`
}

type roleSpec struct {
	Description string   `json:"description"`
	Shape       string   `json:"shape"`
	Categories  []string `json:"categories"`
}

type relationSpec struct {
	Description string `json:"description"`
	ItemSchema  any    `json:"item_schema"`
}

// ExtractionRequest describes the categories asked for in one call.
// Disabled categories are nil and drop out of the serialized request.
type ExtractionRequest struct {
	People         *categorySpec `json:"people,omitempty"`
	Companies      *categorySpec `json:"companies,omitempty"`
	Locations      *categorySpec `json:"locations,omitempty"`
	CorporateRoles *roleSpec     `json:"corporate_roles,omitempty"`
	Relationships  *relationSpec `json:"relationships,omitempty"`
}

// relationPayload is one relationship item of the response.
type relationPayload struct {
	Source     string         `json:"source" jsonschema_description:"Exact name of the source entity as listed in people or companies"`
	Target     string         `json:"target" jsonschema_description:"Exact name of the target entity as listed in people or companies"`
	Kind       string         `json:"kind" jsonschema:"enum=Employment,enum=Leadership,enum=BoardMembership,enum=Ownership,enum=Partnership,enum=Investment,enum=Acquisition,enum=Association"`
	Attributes map[string]any `json:"attributes,omitempty" jsonschema_description:"Optional details such as role, start, end, is_current, stake"`
}

var (
	relationSchemaOnce sync.Once
	relationSchema     any
)

func relationItemSchema() any {
	relationSchemaOnce.Do(func() {
		relationSchema = ai.GenerateSchema(relationPayload{})
	})
	return relationSchema
}

// NewRequest builds the request for opts.
func NewRequest(opts Options) ExtractionRequest {
	opts = opts.withDefaults()
	var r ExtractionRequest
	if opts.People {
		r.People = &categorySpec{
			Description: "Full names of individual human beings",
			Shape:       "[string, ...]",
		}
	}
	if opts.Companies {
		r.Companies = &categorySpec{
			Description: "Names of companies and other organizations (boards, funds, clubs, authorities)",
			Shape:       "[string, ...]",
		}
	}
	if opts.Locations {
		r.Locations = &categorySpec{
			Description: "Cities, countries and other places",
			Shape:       "[string, ...]",
		}
	}
	if opts.Roles {
		r.CorporateRoles = &roleSpec{
			Description: "Corporate roles grouped by category, each entry formatted as \"Person Name (Role Title)\"",
			Shape:       "{ <category>: [string, ...] }",
			Categories:  opts.RoleTaxonomy,
		}
	}
	if opts.Relationships {
		r.Relationships = &relationSpec{
			Description: "Relationships between the extracted people and companies",
			ItemSchema:  relationItemSchema(),
		}
	}
	return r
}

// Keys returns the requested top-level response keys in order.
func (r ExtractionRequest) Keys() []string {
	var keys []string
	if r.People != nil {
		keys = append(keys, keyPeople)
	}
	if r.Companies != nil {
		keys = append(keys, keyCompanies)
	}
	if r.Locations != nil {
		keys = append(keys, keyLocations)
	}
	if r.CorporateRoles != nil {
		keys = append(keys, keyRoles)
	}
	if r.Relationships != nil {
		keys = append(keys, keyRelationships)
	}
	return keys
}

// MaxTokens is the output token ceiling for the request.
func (r ExtractionRequest) MaxTokens() int {
	return max(2000, 1000*len(r.Keys()))
}

const promptTemplate = `You extract structured facts about people and organizations from documents.

Extract these categories: %s.

Category definitions (JSON):
%s

Rules for telling people and organizations apart:
- A person is an individual human. Honorifics (Mr., Mrs., Ms., Dr., Prof., Sir) and post-nominals (Jr., PhD, SBS, JP) indicate a person.
- An organization is a company, board, committee, fund, club, university, authority or government body. Corporate suffixes (Inc, Corp, Ltd, LLC, GmbH, PLC, SE, AG, S.A.) and words such as Bank, Group, Holdings, Partners or Club indicate an organization.
- Never list an organization under people or a person under companies.
- Keep names exactly as written in the text, including their casing and hyphens. Do not translate or abbreviate.
- Only report relationships whose source and target both appear in your people or companies lists.
- For Employment, Leadership and BoardMembership the source is the person and the target is the organization.

Respond with a single JSON object whose top-level keys are exactly: %s. Use an empty list or object when nothing was found. Do not add commentary.

Text:
<<<
%s
>>>`

const jsonOnlyReminder = "\n\nYour previous answer was not valid. Respond with JSON only: a single JSON object with the keys listed above and nothing else."

// Prompt renders the prompt for text.
func (r ExtractionRequest) Prompt(text string) string {
	spec, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		spec = []byte("{}")
	}
	keys := strings.Join(r.Keys(), ", ")
	return fmt.Sprintf(promptTemplate, keys, spec, keys, text)
}
