package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName trims, collapses internal whitespace and applies Unicode
// NFKC. Casing and diacritics are preserved.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Key is the case-insensitive equality key of a name.
func Key(s string) string {
	return strings.ToLower(NormalizeName(s))
}

var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true, "mx": true,
	"dr": true, "prof": true, "professor": true, "sir": true, "dame": true,
	"lord": true, "lady": true, "hon": true, "honourable": true, "honorable": true,
	"rev": true, "the": false,
}

var personSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "mba": true, "cpa": true, "esq": true,
	"cbe": true, "obe": true, "mbe": true, "kbe": true, "jp": true,
	"sbs": true, "bbs": true, "gbs": true, "frs": true, "qc": true, "kc": true, "sc": true,
}

func bare(token string) string {
	return strings.ToLower(strings.Trim(token, ".,;:()"))
}

// StripHonorifics removes leading honorifics ("Mr.", "Dr", "Prof.") and
// trailing post-nominals ("Jr.", "PhD", "SBS") from a normalized name.
func StripHonorifics(name string) (string, bool) {
	fields := strings.Fields(name)
	stripped := false
	for len(fields) > 1 && honorifics[bare(fields[0])] {
		fields = fields[1:]
		stripped = true
	}
	for len(fields) > 1 && personSuffixes[bare(fields[len(fields)-1])] {
		fields = fields[:len(fields)-1]
		stripped = true
	}
	out := strings.Join(fields, " ")
	return strings.TrimRight(out, ","), stripped
}

// Uninvert turns "SURNAME, Given" into "Given SURNAME". Names where the
// part after the comma is a corporate suffix or post-nominal are left
// untouched.
func Uninvert(name string) (string, bool) {
	surname, given, ok := strings.Cut(name, ",")
	if !ok || strings.Contains(given, ",") {
		return name, false
	}
	surname = strings.TrimSpace(surname)
	given = strings.TrimSpace(given)
	if surname == "" || given == "" {
		return name, false
	}
	for _, tok := range strings.Fields(given) {
		b := bare(tok)
		if corporateSuffixes[b] || personSuffixes[b] || orgWords[b] {
			return name, false
		}
	}
	if len(strings.Fields(given)) > 3 || len(strings.Fields(surname)) > 3 {
		return name, false
	}
	return given + " " + surname, true
}

// MatchKey is the key used to detect late equivalences between names:
// honorifics stripped, "Surname, Given" uninverted, hyphens treated as
// spaces, trailing punctuation dropped and lowercased.
func MatchKey(name string) string {
	n := NormalizeName(name)
	n, _ = StripHonorifics(n)
	n, _ = Uninvert(n)
	n = strings.Map(func(r rune) rune {
		if r == '-' || r == '‐' || r == '–' {
			return ' '
		}
		return r
	}, n)
	n = strings.TrimRightFunc(n, func(r rune) bool { return r == '.' || r == ',' || unicode.IsSpace(r) })
	return strings.ToLower(strings.Join(strings.Fields(n), " "))
}

// isAllCaps reports whether every cased letter of s is upper case.
func isAllCaps(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if unicode.IsLower(r) {
				return false
			}
			letters++
		}
	}
	return letters > 1
}

// hasAllCapsToken reports whether a token of at least three letters is
// written fully in upper case.
func hasAllCapsToken(s string) bool {
	for _, tok := range strings.Fields(s) {
		if len([]rune(tok)) >= 3 && isAllCaps(tok) {
			return true
		}
	}
	return false
}
