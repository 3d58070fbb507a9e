// Package chunker splits document text into ordered, boundary-aware chunks.
//
// Chunk offsets are rune indices into the document's raw text. The chunk
// bodies partition the text, so concatenating them in index order
// reconstructs it exactly. Overlap, when configured, is prepended to a
// chunk's Text and recorded in Chunk.Overlap without moving StartChar.
package chunker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// Config controls chunk sizes. All sizes are in characters (runes).
type Config struct {
	TargetChars   int  `json:"target_chars"`
	MaxChars      int  `json:"max_chars"`
	OverlapChars  int  `json:"overlap_chars"`
	MinChunkChars int  `json:"min_chunk_chars"`
	UseSemantic   bool `json:"use_semantic"`
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		TargetChars:   6000,
		MaxChars:      8000,
		OverlapChars:  0,
		MinChunkChars: 200,
		UseSemantic:   true,
	}
}

// WithDefaults fills zero values from DefaultConfig. MaxChars defaults to
// one third above TargetChars when only the target was set.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TargetChars <= 0 {
		c.TargetChars = d.TargetChars
	}
	if c.MaxChars <= 0 {
		c.MaxChars = max(c.TargetChars+c.TargetChars/3, c.TargetChars+c.OverlapChars)
	}
	if c.MinChunkChars < 0 {
		c.MinChunkChars = 0
	}
	return c
}

// Validate checks the configuration and returns an InvalidConfig error.
func (c Config) Validate() error {
	switch {
	case c.TargetChars <= 0:
		return common.NewError(common.InvalidConfig, "target_chars must be positive, got %d", c.TargetChars).WithPhase(common.PhaseChunking)
	case c.MaxChars < c.TargetChars:
		return common.NewError(common.InvalidConfig, "max_chars (%d) must not be below target_chars (%d)", c.MaxChars, c.TargetChars).WithPhase(common.PhaseChunking)
	case c.OverlapChars < 0:
		return common.NewError(common.InvalidConfig, "overlap_chars must not be negative").WithPhase(common.PhaseChunking)
	case c.OverlapChars >= c.TargetChars:
		return common.NewError(common.InvalidConfig, "overlap_chars (%d) must be below target_chars (%d)", c.OverlapChars, c.TargetChars).WithPhase(common.PhaseChunking)
	case c.MaxChars-c.OverlapChars < c.TargetChars/2:
		return common.NewError(common.InvalidConfig, "max_chars leaves no room for overlap").WithPhase(common.PhaseChunking)
	case c.MinChunkChars > c.TargetChars:
		return common.NewError(common.InvalidConfig, "min_chunk_chars (%d) must not exceed target_chars (%d)", c.MinChunkChars, c.TargetChars).WithPhase(common.PhaseChunking)
	}
	return nil
}

// TokenCounter estimates the token count of a text.
type TokenCounter func(text string) int

// Chunker splits documents with a fixed configuration. It is safe for
// concurrent use.
type Chunker struct {
	cfg    Config
	tokens TokenCounter
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenCounter replaces the default tiktoken based estimator.
func WithTokenCounter(fn TokenCounter) Option {
	return func(c *Chunker) { c.tokens = fn }
}

// New validates cfg and returns a Chunker.
func New(cfg Config, opts ...Option) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Chunker{cfg: cfg, tokens: TiktokenCounter("o200k_base")}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the chunker's configuration.
func (c *Chunker) Config() Config { return c.cfg }

var (
	encoders   = map[string]*tiktoken.Tiktoken{}
	encodersMu sync.Mutex
)

// TiktokenCounter counts tokens with the named tiktoken encoding. If the
// encoding cannot be loaded it falls back to four characters per token.
func TiktokenCounter(encoding string) TokenCounter {
	return func(text string) int {
		encodersMu.Lock()
		enc, ok := encoders[encoding]
		if !ok {
			var err error
			enc, err = tiktoken.GetEncoding(encoding)
			if err != nil {
				logger.Warn("[Chunker] tiktoken encoding unavailable, using estimate", "encoding", encoding, "err", err)
				enc = nil
			}
			encoders[encoding] = enc
		}
		encodersMu.Unlock()
		if enc == nil {
			return EstimateTokens(text)
		}
		return len(enc.Encode(text, nil, nil))
	}
}

// EstimateTokens approximates tokens as one per four characters.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

// Chunk splits rawText into chunks for the given document.
func (c *Chunker) Chunk(documentID, rawText, title string) []common.Chunk {
	text := []rune(rawText)
	if len(text) == 0 {
		return nil
	}

	bodyMax := c.cfg.MaxChars - c.cfg.OverlapChars
	target := min(c.cfg.TargetChars, bodyMax)

	var segs []segment
	for _, s := range splitSegments(text, c.cfg.UseSemantic) {
		segs = append(segs, splitLong(text, s, bodyMax)...)
	}

	ranges := pack(segs, target, bodyMax, c.cfg.MinChunkChars, c.cfg.UseSemantic)

	chunks := make([]common.Chunk, 0, len(ranges))
	for i, r := range ranges {
		from := r.start
		if i > 0 && c.cfg.OverlapChars > 0 {
			from = max(0, r.start-c.cfg.OverlapChars)
		}
		body := string(text[from:r.end])
		chunks = append(chunks, common.Chunk{
			ID:            chunkID(documentID, i, r.start, r.end),
			DocumentID:    documentID,
			Index:         i,
			StartChar:     r.start,
			EndChar:       r.end,
			Overlap:       r.start - from,
			Text:          body,
			TokenEstimate: c.tokens(body),
		})
	}

	logger.Debug("[Chunker] split document", "document_id", documentID, "title", title, "chars", len(text), "chunks", len(chunks))
	return chunks
}

func chunkID(documentID string, index, start, end int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d:%d:%d", documentID, index, start, end))).String()
}

type span struct{ start, end int }

// pack greedily groups segments into ranges of about target characters and
// at most limit characters. When a range has to be closed it is preferably
// cut at a paragraph end in its second half.
func pack(segs []segment, target, limit, minChunk int, semantic bool) []span {
	var out []span
	var cur []segment

	size := func(s []segment) int {
		if len(s) == 0 {
			return 0
		}
		return s[len(s)-1].end - s[0].start
	}
	emit := func(s []segment) {
		if len(s) > 0 {
			out = append(out, span{s[0].start, s[len(s)-1].end})
		}
	}

	for _, s := range segs {
		if len(cur) == 0 {
			cur = append(cur, s)
			continue
		}
		curSize := size(cur)
		if semantic && s.heading && curSize >= minChunk {
			emit(cur)
			cur = []segment{s}
			continue
		}
		if curSize+s.len() <= target || (curSize < minChunk && curSize+s.len() <= limit) {
			cur = append(cur, s)
			continue
		}

		split := len(cur)
		for k := len(cur) - 1; k > 0; k-- {
			if cur[k-1].paragraphEnd && size(cur[:k]) >= target/2 {
				split = k
				break
			}
		}
		emit(cur[:split])
		rest := append([]segment{}, cur[split:]...)
		if size(rest)+s.len() > limit {
			emit(rest)
			rest = nil
		}
		cur = append(rest, s)
	}
	emit(cur)

	// Fold a trailing runt into its predecessor when it fits.
	if n := len(out); n > 1 {
		last := out[n-1]
		if last.end-last.start < minChunk && last.end-out[n-2].start <= limit {
			out[n-2].end = last.end
			out = out[:n-1]
		}
	}
	return out
}
