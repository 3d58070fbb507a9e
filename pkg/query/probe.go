package query

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	relationWordRe = regexp.MustCompile(`(?i)\b(relation|relations|relationship|relationships|connection|connections|connected|related|link|linked)\b`)
	quotedRe       = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|'([^']{2,})'`)
	betweenRe      = regexp.MustCompile(`(?i)\bbetween\s+(.+?)\s+and\s+(.+?)\s*[?.!]*$`)
)

// capitalized words that start questions or glue a sentence together and
// never begin a name.
var nonNameWords = map[string]bool{
	"what": true, "who": true, "whom": true, "how": true, "why": true, "which": true, "where": true, "when": true,
	"is": true, "are": true, "was": true, "were": true, "does": true, "do": true, "did": true, "can": true,
	"tell": true, "show": true, "describe": true, "explain": true, "find": true, "list": true, "give": true,
	"the": true, "a": true, "an": true, "any": true, "there": true, "please": true, "me": true,
	"relation": true, "relationship": true, "relationships": true, "connection": true, "connections": true,
	"between": true, "and": true, "with": true, "to": true, "of": true, "in": true, "i": true,
}

// connectors may appear inside a name when capitalized words surround them.
var connectors = map[string]bool{"of": true, "&": true, "de": true, "von": true, "van": true, "der": true}

// Probe is a question asking how two named entities are related.
type Probe struct {
	A string `json:"a"`
	B string `json:"b"`
}

// DetectProbe recognizes a relationship probe: a relation word plus two
// names, quoted, given as "between X and Y" or written as capitalized
// words.
func DetectProbe(question string) (Probe, bool) {
	if !relationWordRe.MatchString(question) {
		return Probe{}, false
	}
	names := MentionedNames(question)
	if len(names) < 2 {
		return Probe{}, false
	}
	return Probe{A: names[0], B: names[1]}, true
}

// MentionedNames returns the entity names found in a question, in order.
func MentionedNames(question string) []string {
	var names []string
	for _, m := range quotedRe.FindAllStringSubmatch(question, -1) {
		for _, g := range m[1:] {
			if g = strings.TrimSpace(g); g != "" {
				names = append(names, g)
			}
		}
	}
	if len(names) >= 2 {
		return names
	}
	if m := betweenRe.FindStringSubmatch(question); m != nil {
		a, b := cleanName(m[1]), cleanName(m[2])
		if a != "" && b != "" {
			return []string{a, b}
		}
	}
	return properNames(question)
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'“”?!,;:`)
	for _, article := range []string{"the ", "The "} {
		s = strings.TrimPrefix(s, article)
	}
	return strings.TrimSpace(s)
}

// properNames collects runs of capitalized words.
func properNames(question string) []string {
	var names, run []string
	flush := func() {
		for len(run) > 0 && connectors[strings.ToLower(run[len(run)-1])] {
			run = run[:len(run)-1]
		}
		if len(run) > 0 {
			names = append(names, strings.Join(run, " "))
		}
		run = nil
	}
	for _, field := range strings.Fields(question) {
		word := strings.TrimRight(field, `?!,;:"'”`)
		trailingStop := word != field || strings.HasSuffix(word, ".") && !isAbbreviation(word)
		word = strings.TrimLeft(word, `"'“`)
		if !isAbbreviation(word) {
			word = strings.TrimRight(word, ".")
		}
		lower := strings.ToLower(word)
		switch {
		case word == "":
			flush()
		case capitalized(word) && !nonNameWords[lower]:
			run = append(run, word)
		case len(run) > 0 && connectors[lower]:
			run = append(run, word)
		default:
			flush()
		}
		if trailingStop {
			flush()
		}
	}
	flush()
	return names
}

func capitalized(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

// isAbbreviation reports whether a word ending in a dot is a title or a
// company suffix rather than a sentence end.
func isAbbreviation(word string) bool {
	switch strings.ToLower(strings.TrimRight(word, ".")) {
	case "mr", "mrs", "ms", "dr", "prof", "inc", "corp", "ltd", "co", "plc", "jr", "sr", "st":
		return strings.HasSuffix(word, ".")
	}
	return false
}
