package extract

import (
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/canon"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// categoryDecoder decodes the value of one top-level response key into
// set. A type mismatch is returned as an error; bad items inside a well
// typed value are dropped with a warning.
type categoryDecoder func(raw json.RawMessage, req ExtractionRequest, set *common.ExtractedEntitySet) error

var decoders = map[string]categoryDecoder{
	keyPeople:        decodeNames(addPerson),
	keyCompanies:     decodeNames(addCompany),
	keyLocations:     decodeNames(addLocation),
	keyRoles:         decodeRoles,
	keyRelationships: decodeRelationships,
}

func addPerson(s *common.ExtractedEntitySet, name string) {
	s.People = append(s.People, common.Candidate{Name: name})
}

func addCompany(s *common.ExtractedEntitySet, name string) {
	s.Companies = append(s.Companies, common.Candidate{Name: name})
}

func addLocation(s *common.ExtractedEntitySet, name string) {
	s.Locations = append(s.Locations, name)
}

// decodeResponse parses an LLM answer. A code fence around the object is
// tolerated; invalid JSON is an LLMParseError and a value of the wrong
// shape a SchemaViolation. Unknown keys are ignored, missing keys are
// empty.
func decodeResponse(body string, req ExtractionRequest) (common.ExtractedEntitySet, error) {
	var set common.ExtractedEntitySet
	raw := []byte(ai.StripCodeFence(body))
	if !json.Valid(raw) {
		return set, common.NewError(common.LLMParseError, "response is not valid JSON")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return set, common.WrapError(common.SchemaViolation, err, "response is not a JSON object")
	}
	for _, key := range req.Keys() {
		value, ok := top[key]
		if !ok || string(value) == "null" {
			continue
		}
		if err := decoders[key](value, req, &set); err != nil {
			return common.ExtractedEntitySet{}, common.WrapError(common.SchemaViolation, err, "key %q", key)
		}
	}
	addRolePeople(&set)
	return set, nil
}

func decodeNames(add func(*common.ExtractedEntitySet, string)) categoryDecoder {
	return func(raw json.RawMessage, _ ExtractionRequest, set *common.ExtractedEntitySet) error {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return err
		}
		for _, n := range names {
			if n = canon.NormalizeName(n); n != "" {
				add(set, n)
			}
		}
		return nil
	}
}

var roleEntryRe = regexp.MustCompile(`^(.+?)\s*\(([^()]+)\)\s*$`)

// parseRoleEntry splits "Jane Smith (Chief Executive Officer)" into name
// and title. Entries without parentheses are a bare name.
func parseRoleEntry(entry string) (name, title string) {
	entry = canon.NormalizeName(entry)
	if m := roleEntryRe.FindStringSubmatch(entry); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	if n, t, ok := strings.Cut(entry, " - "); ok {
		return strings.TrimSpace(n), strings.TrimSpace(t)
	}
	return entry, ""
}

func roleCategory(taxonomy []string, category string) (string, bool) {
	key := strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(category)))
	for _, c := range taxonomy {
		if strings.ToLower(c) == key {
			return c, true
		}
	}
	for _, c := range taxonomy {
		if c == "other_roles" {
			return c, false
		}
	}
	return category, false
}

func decodeRoles(raw json.RawMessage, req ExtractionRequest, set *common.ExtractedEntitySet) error {
	var grouped map[string][]string
	if err := json.Unmarshal(raw, &grouped); err != nil {
		return err
	}
	var taxonomy []string
	if req.CorporateRoles != nil {
		taxonomy = req.CorporateRoles.Categories
	}
	for _, category := range slices.Sorted(maps.Keys(grouped)) {
		cat, known := roleCategory(taxonomy, category)
		if !known {
			set.Warnf("role category %q is not in the taxonomy, filed under %s", category, cat)
		}
		for _, entry := range grouped[category] {
			name, title := parseRoleEntry(entry)
			if name == "" {
				continue
			}
			set.Roles = append(set.Roles, common.Role{PersonName: name, Category: cat, Title: title})
		}
	}
	return nil
}

func decodeRelationships(raw json.RawMessage, _ ExtractionRequest, set *common.ExtractedEntitySet) error {
	var items []relationPayload
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}
	for _, it := range items {
		src, tgt := canon.NormalizeName(it.Source), canon.NormalizeName(it.Target)
		if src == "" || tgt == "" {
			set.Warnf("relationship without source or target dropped")
			continue
		}
		kind, ok := common.ParseRelationKind(it.Kind)
		if !ok {
			set.Warnf("relationship %s -> %s dropped: unknown kind %q", src, tgt, it.Kind)
			continue
		}
		set.Relationships = append(set.Relationships, common.RelationCandidate{
			SourceName: src,
			TargetName: tgt,
			Kind:       kind,
			Attributes: normalizeRelationAttributes(kind, it.Attributes),
		})
	}
	return nil
}

// addRolePeople makes sure every role holder is a person candidate.
func addRolePeople(set *common.ExtractedEntitySet) {
	seen := map[string]bool{}
	for _, p := range set.People {
		seen[canon.Key(p.Name)] = true
	}
	for _, r := range set.Roles {
		k := canon.Key(r.PersonName)
		if seen[k] {
			continue
		}
		seen[k] = true
		set.People = append(set.People, common.Candidate{Name: r.PersonName})
	}
}

// normalizeRelationAttributes lowercases keys, drops empty values and
// renders start/end as strings. Person to organization relations with a
// start but no end are current unless stated otherwise.
func normalizeRelationAttributes(kind common.RelationKind, attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			v = s
		}
		switch k {
		case "start", "end":
			v = scalarString(v)
		case "is_current":
			v = truthy(v)
		}
		out[k] = v
	}
	if kind.PersonToOrganization() {
		if _, has := out["is_current"]; !has {
			if _, hasStart := out["start"]; hasStart {
				if _, hasEnd := out["end"]; !hasEnd {
					out["is_current"] = true
				}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func scalarString(v any) any {
	switch x := v.(type) {
	case float64:
		b, _ := json.Marshal(x)
		return string(b)
	}
	return v
}

func truthy(v any) any {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(x) {
		case "true", "yes", "1", "current":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return v
}
