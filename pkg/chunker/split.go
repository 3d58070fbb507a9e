package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

// segment is a sentence-sized rune range of the source text. Segments
// returned by splitSegments partition the text: the whitespace following a
// sentence belongs to that sentence.
type segment struct {
	start        int
	end          int
	heading      bool
	paragraphEnd bool
}

func (s segment) len() int { return s.end - s.start }

var (
	tableDelimRe = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

	headingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^#{1,6}\s+\S`),
		regexp.MustCompile(`(?i)^(chapter|section|part|article|appendix|annex|schedule)\s+[0-9ivxlc]+\b`),
		regexp.MustCompile(`^\d+(\.\d+)*\.?\s+[A-Z][^.!?]{0,80}$`),
		regexp.MustCompile(`^[A-Z][A-Za-z0-9 &,'/-]{1,80}:$`),
	}

	abbreviations = map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "st": true, "no": true, "vs": true,
		"inc": true, "corp": true, "ltd": true, "co": true, "plc": true,
		"e.g": true, "i.e": true, "etc": true, "approx": true,
	}
)

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && strings.Contains(trimmed, "|")
}

// isHeading reports whether a trimmed line looks like a section header.
func isHeading(line string) bool {
	if line == "" || len([]rune(line)) > 120 {
		return false
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return isUpperHeading(line)
}

// isUpperHeading matches short all-caps lines such as "BOARD OF DIRECTORS".
func isUpperHeading(line string) bool {
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	if letters < 3 || len(strings.Fields(line)) > 10 {
		return false
	}
	last, _ := lastRune(line)
	return last != '.' && last != ','
}

func lastRune(s string) (rune, bool) {
	r := []rune(s)
	if len(r) == 0 {
		return 0, false
	}
	return r[len(r)-1], true
}

type lineRange struct{ start, end int }

// lines splits text into ranges that include their trailing newline.
func lines(text []rune) []lineRange {
	var out []lineRange
	start := 0
	for i, r := range text {
		if r == '\n' {
			out = append(out, lineRange{start, i + 1})
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, lineRange{start, len(text)})
	}
	return out
}

// splitSegments splits text into sentence segments. Markdown tables stay in
// one segment, numeric listings ("3. ") and common abbreviations do not end
// a sentence, and lines without terminal punctuation continue onto the next
// non-blank line. With semantic set, heading lines start a new segment
// flagged as heading.
func splitSegments(text []rune, semantic bool) []segment {
	var segs []segment
	segStart := 0
	nextHeading := false

	cut := func(at int, paragraph bool) {
		if at <= segStart {
			return
		}
		segs = append(segs, segment{start: segStart, end: at, heading: nextHeading, paragraphEnd: paragraph})
		segStart = at
		nextHeading = false
	}
	// pendingBlank reports whether the open segment has no content yet.
	pendingBlank := func(upTo int) bool {
		return strings.TrimSpace(string(text[segStart:upTo])) == ""
	}

	all := lines(text)
	inTable := false
	for idx, ln := range all {
		line := string(text[ln.start:ln.end])
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if inTable {
				inTable = false
			}
			if pendingBlank(ln.start) && len(segs) > 0 && segStart == ln.start {
				segs[len(segs)-1].end = ln.end
				segs[len(segs)-1].paragraphEnd = true
				segStart = ln.end
				continue
			}
			cut(ln.end, true)
			continue
		}

		if isTableRow(line) {
			if inTable {
				continue
			}
			if !pendingBlank(ln.start) {
				cut(ln.start, false)
			}
			if idx+1 < len(all) && tableDelimRe.MatchString(strings.TrimSpace(string(text[all[idx+1].start:all[idx+1].end]))) {
				inTable = true
				continue
			}
			cut(ln.end, false)
			continue
		}
		if inTable {
			inTable = false
			cut(ln.start, false)
		}

		if semantic && isHeading(trimmed) {
			if !pendingBlank(ln.start) {
				cut(ln.start, false)
			}
			nextHeading = true
		}

		for i := ln.start; i < ln.end; i++ {
			r := text[i]
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			if !endsSentence(text, i, ln.end) {
				continue
			}
			j := i + 1
			for j < ln.end && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
				j++
			}
			for j < ln.end && strings.ContainsRune("\"')]}”’", text[j]) {
				j++
			}
			for j < ln.end && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < ln.end && text[j] == '\n' {
				j++
			}
			cut(j, false)
			i = j - 1
		}
	}
	if inTable || segStart < len(text) {
		if pendingBlank(len(text)) && len(segs) > 0 {
			segs[len(segs)-1].end = len(text)
		} else {
			cut(len(text), false)
		}
	}
	return segs
}

// endsSentence decides whether the punctuation at i terminates a sentence.
func endsSentence(text []rune, i, lineEnd int) bool {
	next := i + 1
	if next < lineEnd && !unicode.IsSpace(text[next]) && !strings.ContainsRune(".!?\"')]}”’", text[next]) {
		return false
	}
	if text[i] != '.' {
		return true
	}
	if i > 0 && unicode.IsDigit(text[i-1]) && next < lineEnd && text[next] == ' ' {
		return false
	}
	w := i
	for w > 0 && (unicode.IsLetter(text[w-1]) || text[w-1] == '.') {
		w--
	}
	word := strings.ToLower(string(text[w:i]))
	if abbreviations[word] {
		return false
	}
	// Single-letter initials such as "J. Smith".
	if len([]rune(word)) == 1 && unicode.IsUpper(text[i-1]) && (w == 0 || !unicode.IsLetter(text[w-1])) {
		return false
	}
	return true
}

// splitLong cuts a segment that exceeds limit at whitespace where possible.
func splitLong(text []rune, s segment, limit int) []segment {
	if s.len() <= limit {
		return []segment{s}
	}
	var out []segment
	start := s.start
	first := true
	for s.end-start > limit {
		end := start + limit
		for k := end; k > start+limit/2; k-- {
			if unicode.IsSpace(text[k-1]) {
				end = k
				break
			}
		}
		out = append(out, segment{start: start, end: end, heading: first && s.heading})
		first = false
		start = end
	}
	out = append(out, segment{start: start, end: s.end, paragraphEnd: s.paragraphEnd})
	return out
}

// Sentences splits text into sentences whose concatenation is text. Pieces
// longer than limit runes are cut at whitespace; limit <= 0 disables that.
func Sentences(text string, limit int) []string {
	runes := []rune(text)
	var out []string
	for _, s := range splitSegments(runes, false) {
		parts := []segment{s}
		if limit > 0 {
			parts = splitLong(runes, s, limit)
		}
		for _, p := range parts {
			out = append(out, string(runes[p.start:p.end]))
		}
	}
	return out
}
