package chunker

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

func newTestChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg, WithTokenCounter(EstimateTokens))
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	return c
}

func segmentTexts(text string, semantic bool) []string {
	r := []rune(text)
	var out []string
	for _, s := range splitSegments(r, semantic) {
		out = append(out, string(r[s.start:s.end]))
	}
	return out
}

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty input",
			text: "",
			want: nil,
		},
		{
			name: "multiple sentences keep trailing space",
			text: "Hello world. This is a test! How are you?",
			want: []string{"Hello world. ", "This is a test! ", "How are you?"},
		},
		{
			name: "paragraphs",
			text: "First sentence.\n\nSecond sentence.",
			want: []string{"First sentence.\n\n", "Second sentence."},
		},
		{
			name: "multi-line sentence",
			text: "This is a long\nsentence that spans\nmultiple lines.",
			want: []string{"This is a long\nsentence that spans\nmultiple lines."},
		},
		{
			name: "markdown table as one segment",
			text: "Intro text.\nH1 | H2\n--- | ---\nV1 | V2\nOutro text.",
			want: []string{"Intro text.\n", "H1 | H2\n--- | ---\nV1 | V2\n", "Outro text."},
		},
		{
			name: "numeric listing and abbreviations",
			text: "See item 3. of the list. Mr. Smith joined Acme Corp. in May. J. Doe left.",
			want: []string{"See item 3. of the list. ", "Mr. Smith joined Acme Corp. in May. ", "J. Doe left."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := segmentTexts(tt.text, false)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			if strings.Join(got, "") != tt.text {
				t.Fatalf("segments do not partition the text")
			}
		})
	}
}

func TestSplitSegmentsMarksHeadings(t *testing.T) {
	text := "Intro line.\n\n# Board of Directors\nJane Smith chairs the board.\nBOARD COMMITTEES\nAudit committee."
	segs := splitSegments([]rune(text), true)
	var headings []string
	for _, s := range segs {
		if s.heading {
			headings = append(headings, string([]rune(text)[s.start:s.end]))
		}
	}
	want := []string{
		"# Board of Directors\nJane Smith chairs the board.\n",
		"BOARD COMMITTEES\nAudit committee.",
	}
	if !reflect.DeepEqual(headings, want) {
		t.Fatalf("expected heading segments %q, got %q", want, headings)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"overlap equals target", Config{TargetChars: 100, MaxChars: 200, OverlapChars: 100}, true},
		{"overlap above target", Config{TargetChars: 100, MaxChars: 200, OverlapChars: 150}, true},
		{"max below target", Config{TargetChars: 100, MaxChars: 50}, true},
		{"zero target", Config{}, true},
		{"min above target", Config{TargetChars: 100, MaxChars: 100, MinChunkChars: 150}, true},
		{"with overlap", Config{TargetChars: 100, MaxChars: 150, OverlapChars: 20}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, common.ErrInvalidConfig) {
					t.Fatalf("expected InvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
		})
	}
}

func sampleText() string {
	var b strings.Builder
	for p := 0; p < 12; p++ {
		if p%4 == 0 {
			b.WriteString("SECTION OVERVIEW\n")
		}
		for s := 0; s < 6; s++ {
			b.WriteString("Jane Smith is the chief executive of Acme Corp and reports to the board. ")
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestChunkReconstructsText(t *testing.T) {
	text := sampleText()
	for _, semantic := range []bool{false, true} {
		c := newTestChunker(t, Config{TargetChars: 500, MaxChars: 700, MinChunkChars: 100, UseSemantic: semantic})
		chunks := c.Chunk("doc-1", text, "Sample")
		if len(chunks) < 2 {
			t.Fatalf("expected several chunks, got %d", len(chunks))
		}

		var b strings.Builder
		for i, ch := range chunks {
			if ch.Index != i {
				t.Fatalf("expected dense index %d, got %d", i, ch.Index)
			}
			if i > 0 && ch.StartChar != chunks[i-1].EndChar {
				t.Fatalf("expected chunk %d to start at %d, got %d", i, chunks[i-1].EndChar, ch.StartChar)
			}
			if l := ch.EndChar - ch.StartChar; l > 700 {
				t.Fatalf("chunk %d exceeds max chars: %d", i, l)
			}
			b.WriteString(ch.Text)
		}
		if b.String() != text {
			t.Fatalf("semantic=%v: concatenated chunks do not reconstruct the text", semantic)
		}
	}
}

func TestChunkWithOverlap(t *testing.T) {
	text := sampleText()
	c := newTestChunker(t, Config{TargetChars: 500, MaxChars: 700, OverlapChars: 50, MinChunkChars: 100})
	chunks := c.Chunk("doc-1", text, "Sample")

	var b strings.Builder
	for i, ch := range chunks {
		if i == 0 && ch.Overlap != 0 {
			t.Fatalf("expected no overlap on first chunk, got %d", ch.Overlap)
		}
		if i > 0 && ch.Overlap != 50 {
			t.Fatalf("expected overlap 50 on chunk %d, got %d", i, ch.Overlap)
		}
		if len([]rune(ch.Text)) > 700 {
			t.Fatalf("chunk %d text exceeds max chars", i)
		}
		b.WriteString(ch.Body())
	}
	if b.String() != text {
		t.Fatalf("removing overlap does not reconstruct the text")
	}
}

func TestChunkDeterministic(t *testing.T) {
	text := sampleText()
	c := newTestChunker(t, Config{TargetChars: 400, MaxChars: 600, MinChunkChars: 50})
	a := c.Chunk("doc-1", text, "")
	b := c.Chunk("doc-1", text, "")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical output for identical input")
	}
}

func TestChunkHardSplitsLongSentence(t *testing.T) {
	text := strings.Repeat("word ", 400)
	c := newTestChunker(t, Config{TargetChars: 300, MaxChars: 400})
	chunks := c.Chunk("doc-1", text, "")
	var b strings.Builder
	for _, ch := range chunks {
		if len([]rune(ch.Text)) > 400 {
			t.Fatalf("expected chunk under max chars, got %d", len([]rune(ch.Text)))
		}
		b.WriteString(ch.Text)
	}
	if b.String() != text {
		t.Fatalf("hard split lost text")
	}
}

func TestChunkEmptyText(t *testing.T) {
	c := newTestChunker(t, DefaultConfig())
	if got := c.Chunk("doc-1", "", ""); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}

func TestChunkSmallTextSingleChunk(t *testing.T) {
	c := newTestChunker(t, DefaultConfig())
	text := "Jane Smith is the CEO of Acme Corp since 2019."
	chunks := c.Chunk("doc-1", text, "")
	if len(chunks) != 1 || chunks[0].Text != text || chunks[0].EndChar != len([]rune(text)) {
		t.Fatalf("expected a single chunk covering the text, got %+v", chunks)
	}
}

func TestSentencesReconstruct(t *testing.T) {
	text := "Jane Smith is the CEO. She joined Acme Corp. in 2019!\n\nDr. Brown left. " + strings.Repeat("x", 30)
	got := Sentences(text, 20)
	if strings.Join(got, "") != text {
		t.Fatalf("expected sentences to reconstruct the text, got %q", got)
	}
	for _, s := range got {
		if len([]rune(s)) > 20 {
			t.Fatalf("expected every piece to respect the limit, got %q", s)
		}
	}
}
