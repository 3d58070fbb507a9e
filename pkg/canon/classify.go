package canon

import (
	"strings"
	"unicode"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

var corporateSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "corp": true, "corporation": true,
	"ltd": true, "limited": true, "llc": true, "llp": true, "lp": true,
	"gmbh": true, "plc": true, "se": true, "ag": true, "sa": true, "sas": true,
	"nv": true, "bv": true, "kg": true, "oy": true, "ab": true, "as": true,
	"spa": true, "srl": true, "pte": true, "pty": true, "bhd": true, "kk": true,
	"co": true, "company": true, "holdings": true, "holding": true, "group": true,
}

var orgWords = map[string]bool{
	"bank": true, "partners": true, "capital": true, "fund": true, "trust": true,
	"association": true, "university": true, "college": true, "foundation": true,
	"club": true, "committee": true, "board": true, "council": true,
	"authority": true, "ministry": true, "agency": true, "institute": true,
	"department": true, "government": true, "commission": true, "federation": true,
	"international": true, "technologies": true, "technology": true, "systems": true,
	"services": true, "solutions": true, "industries": true, "enterprises": true,
	"ventures": true, "investments": true, "securities": true, "insurance": true,
	"airlines": true, "airways": true, "motors": true, "energy": true,
	"pharmaceuticals": true, "labs": true, "laboratories": true, "society": true,
	"exchange": true, "school": true, "hospital": true, "office": true,
}

// personalNameShape reports whether name looks like a personal name:
// two to five tokens, each starting with an upper-case letter, allowing
// initials, hyphens and apostrophes.
func personalNameShape(name string) bool {
	fields := strings.Fields(name)
	if len(fields) < 2 || len(fields) > 5 {
		return false
	}
	for _, f := range fields {
		r := []rune(strings.Trim(f, ".,"))
		if len(r) == 0 || !unicode.IsUpper(r[0]) {
			return false
		}
		for _, c := range r {
			if !unicode.IsLetter(c) && c != '-' && c != '\'' && c != '’' && c != '.' {
				return false
			}
		}
	}
	return true
}

// indicators are the signals found in a single surface form.
type indicators struct {
	person bool
	org    bool
}

func inspect(name string) indicators {
	var ind indicators
	fields := strings.Fields(NormalizeName(name))
	if len(fields) == 0 {
		return ind
	}
	if len(fields) > 1 && honorifics[bare(fields[0])] {
		ind.person = true
	}
	if len(fields) > 1 && personSuffixes[bare(fields[len(fields)-1])] {
		ind.person = true
	}
	for i, f := range fields {
		b := bare(f)
		if orgWords[b] {
			ind.org = true
		}
		// Two-letter suffixes ("SE", "AG", "AS") only count as the last
		// token; longer ones anywhere after the first token.
		if corporateSuffixes[b] && i > 0 && (len(b) > 2 || i == len(fields)-1) {
			ind.org = true
		}
	}
	if strings.Contains(name, "&") {
		ind.org = true
	}
	return ind
}

// Classifier decides whether a name denotes a Person or an Organization.
type Classifier struct {
	allow *Allowlist
}

// NewClassifier creates a classifier. A nil allowlist is treated as empty.
func NewClassifier(allow *Allowlist) *Classifier {
	return &Classifier{allow: allow}
}

// Classify returns the hint for a group of surface forms that denote the
// same entity. origin is the bucket the entity was extracted from.
//
// Allowlisted names are always Person. Otherwise strong indicators
// (honorifics and post-nominals for people, corporate suffixes and
// organization words for companies) decide when only one side fires. A
// personal name shape counts as a Person indicator for items that came
// from the people bucket. When nothing decides the hint is Ambiguous.
func (c *Classifier) Classify(origin common.EntityKind, forms ...string) common.KindHint {
	var person, org bool
	for _, f := range forms {
		if c.allow.Contains(f) {
			return common.HintPerson
		}
		ind := inspect(f)
		person = person || ind.person
		org = org || ind.org
	}
	switch {
	case person && !org:
		return common.HintPerson
	case org && !person:
		return common.HintOrganization
	case person && org:
		return common.HintAmbiguous
	}
	if origin == common.EntityPerson {
		for _, f := range forms {
			if personalNameShape(NormalizeName(f)) {
				return common.HintPerson
			}
		}
	}
	return common.HintAmbiguous
}

// Resolve maps a hint and origin bucket to the final entity kind.
// Ambiguous items keep the kind of their origin bucket.
func Resolve(origin common.EntityKind, hint common.KindHint) common.EntityKind {
	switch hint {
	case common.HintPerson:
		return common.EntityPerson
	case common.HintOrganization:
		return common.EntityCompany
	}
	return origin
}
