package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// Window is the text sent in one LLM call.
type Window struct {
	Index    int
	Text     string
	ChunkIDs []string
}

type piece struct {
	text    string
	chunkID string
	runes   int
}

// BuildWindows preprocesses the chunk bodies in index order and packs
// them into windows of at most limit runes. A document that fits is sent
// whole; a larger one is cut at sentence boundaries into the fewest
// windows of roughly equal size.
func BuildWindows(chunks []common.Chunk, limit int) []Window {
	if limit <= 0 {
		limit = DefaultWindowChars
	}

	var pieces []piece
	total := 0
	for _, c := range chunks {
		body := Preprocess(c.Body())
		if strings.TrimSpace(body) == "" {
			continue
		}
		n := utf8.RuneCountInString(body)
		total += n
		if n <= limit {
			pieces = append(pieces, piece{text: body, chunkID: c.ID, runes: n})
			continue
		}
		for _, s := range chunker.Sentences(body, limit) {
			pieces = append(pieces, piece{text: s, chunkID: c.ID, runes: utf8.RuneCountInString(s)})
		}
	}
	if len(pieces) == 0 {
		return nil
	}
	if total <= limit {
		return []Window{collectWindow(0, pieces)}
	}

	// Split every piece into sentences so windows can be cut anywhere.
	var units []piece
	for _, p := range pieces {
		for _, s := range chunker.Sentences(p.text, limit) {
			units = append(units, piece{text: s, chunkID: p.chunkID, runes: utf8.RuneCountInString(s)})
		}
	}

	n := (total + limit - 1) / limit
	target := (total + n - 1) / n

	var windows []Window
	var cur []piece
	curLen := 0
	for _, u := range units {
		fits := curLen+u.runes <= target || (curLen < target && curLen+u.runes <= limit)
		if curLen > 0 && !fits {
			windows = append(windows, collectWindow(len(windows), cur))
			cur, curLen = nil, 0
		}
		cur = append(cur, u)
		curLen += u.runes
	}
	if curLen > 0 {
		windows = append(windows, collectWindow(len(windows), cur))
	}
	return windows
}

func collectWindow(index int, pieces []piece) Window {
	var b strings.Builder
	w := Window{Index: index}
	for _, p := range pieces {
		b.WriteString(p.text)
		if len(w.ChunkIDs) == 0 || w.ChunkIDs[len(w.ChunkIDs)-1] != p.chunkID {
			w.ChunkIDs = append(w.ChunkIDs, p.chunkID)
		}
	}
	w.Text = b.String()
	return w
}
