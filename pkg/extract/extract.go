package extract

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/canon"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// Temperature used for extraction calls.
const Temperature = 0.0

// maxSpansPerCandidate caps the recorded occurrences of one candidate.
const maxSpansPerCandidate = 10

// Params configures an Extractor.
type Params struct {
	Client        ai.GraphAIClient
	Canonicalizer *canon.Canonicalizer
	// MaxTries is the number of attempts per LLM call, default 3.
	MaxTries int
	Backoff  util.Backoff
}

// Extractor runs the LLM extraction for a document. Windows of one
// document are processed sequentially; an Extractor may be shared by
// concurrent documents.
type Extractor struct {
	client ai.GraphAIClient
	canon  *canon.Canonicalizer
	retry  util.RetryPolicy
}

// New creates an Extractor.
func New(p Params) *Extractor {
	if p.MaxTries <= 0 {
		p.MaxTries = 3
	}
	if p.Canonicalizer == nil {
		p.Canonicalizer = canon.New(canon.Config{})
	}
	return &Extractor{
		client: p.Client,
		canon:  p.Canonicalizer,
		retry: util.RetryPolicy{
			MaxTries:  p.MaxTries,
			Backoff:   p.Backoff,
			Retryable: retryableLLMError,
		},
	}
}

// retryableLLMError retries transport failures and timeouts but never
// cancellation or failures that already carry a non-transient kind.
func retryableLLMError(err error) bool {
	var typed *common.Error
	if errors.As(err, &typed) {
		return typed.Kind.Transient()
	}
	return !errors.Is(err, context.Canceled)
}

// Extract extracts people, companies, roles, locations and relationships
// from the chunks of one document and canonicalizes the merged result.
//
// Failures are isolated per window and recorded as warnings. The call
// fails when every window failed, or with Cancelled/Timeout when ctx ends.
func (e *Extractor) Extract(ctx context.Context, documentID string, chunks []common.Chunk, opts Options) (common.ExtractedEntitySet, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return common.ExtractedEntitySet{}, common.AsError(err).WithDocument(documentID)
	}

	req := NewRequest(opts)
	windows := BuildWindows(chunks, opts.WindowChars)
	merged := common.ExtractedEntitySet{DocumentID: documentID}

	logger.Debug("[Extract] Extracting document", "document_id", documentID, "chunks", len(chunks), "windows", len(windows))

	succeeded := 0
	var lastErr error
	for i, w := range windows {
		if cerr := common.FromContext(ctx, common.PhaseExtraction); cerr != nil {
			return common.ExtractedEntitySet{}, cerr.WithDocument(documentID)
		}

		part, err := e.extractWindow(ctx, req, w)
		if opts.Progress != nil {
			opts.Progress(i+1, len(windows))
		}
		if err != nil {
			if cerr := common.FromContext(ctx, common.PhaseExtraction); cerr != nil {
				return common.ExtractedEntitySet{}, cerr.WithDocument(documentID)
			}
			logger.Warn("[Extract] Window failed", "document_id", documentID, "window", i+1, "of", len(windows), "err", err)
			merged.Warnf("window %d/%d failed: %v", i+1, len(windows), err)
			lastErr = err
			continue
		}
		succeeded++
		appendSet(&merged, part)
	}

	if succeeded == 0 && lastErr != nil {
		return common.ExtractedEntitySet{}, common.AsError(lastErr).WithPhase(common.PhaseExtraction).WithDocument(documentID)
	}

	result := e.canon.Canonicalize(merged)
	attachSpans(&result, chunks)

	logger.Info("[Extract] Extracted document",
		"document_id", documentID,
		"people", len(result.People),
		"companies", len(result.Companies),
		"relationships", len(result.Relationships),
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// extractWindow calls the LLM for one window. Transport failures are
// retried with backoff. An answer that does not decode is asked for once
// more with a JSON-only reminder.
func (e *Extractor) extractWindow(ctx context.Context, req ExtractionRequest, w Window) (common.ExtractedEntitySet, error) {
	prompt := req.Prompt(w.Text)
	opts := []ai.GenerateOption{
		ai.WithTemperature(Temperature),
		ai.WithMaxTokens(req.MaxTokens()),
		ai.WithJSONMode(),
	}

	body, err := e.complete(ctx, prompt, opts)
	if err != nil {
		return common.ExtractedEntitySet{}, err
	}
	set, perr := decodeResponse(body, req)
	if perr == nil {
		return set, nil
	}

	logger.Debug("[Extract] Re-prompting after undecodable answer", "window", w.Index, "err", perr)
	body, err = e.complete(ctx, prompt+jsonOnlyReminder, opts)
	if err != nil {
		return common.ExtractedEntitySet{}, err
	}
	set, perr = decodeResponse(body, req)
	if perr != nil {
		return common.ExtractedEntitySet{}, perr
	}
	return set, nil
}

func (e *Extractor) complete(ctx context.Context, prompt string, opts []ai.GenerateOption) (string, error) {
	body, err := util.RetryWithPolicy(ctx, e.retry, func(ctx context.Context) (string, error) {
		return e.client.GenerateCompletion(ctx, prompt, opts...)
	})
	if err == nil {
		return body, nil
	}
	if cerr := common.FromContext(ctx, common.PhaseExtraction); cerr != nil {
		return "", cerr
	}
	var typed *common.Error
	if errors.As(err, &typed) {
		return "", err
	}
	return "", common.WrapError(common.LLMUnavailable, err, "llm call failed after %d attempts", e.retry.MaxTries)
}

func appendSet(dst *common.ExtractedEntitySet, src common.ExtractedEntitySet) {
	dst.People = append(dst.People, src.People...)
	dst.Companies = append(dst.Companies, src.Companies...)
	dst.Locations = append(dst.Locations, src.Locations...)
	dst.Roles = append(dst.Roles, src.Roles...)
	dst.Relationships = append(dst.Relationships, src.Relationships...)
	dst.Warnings = append(dst.Warnings, src.Warnings...)
}

// attachSpans records where each candidate's surface forms occur in the
// chunk bodies. Offsets are rune positions within the chunk text.
func attachSpans(set *common.ExtractedEntitySet, chunks []common.Chunk) {
	lowered := make([]string, len(chunks))
	for i, c := range chunks {
		lowered[i] = strings.ToLower(c.Text)
	}
	fill := func(cands []common.Candidate) {
		for i := range cands {
			c := &cands[i]
			for _, form := range c.Aliases {
				needle := strings.ToLower(form)
				if needle == "" {
					continue
				}
				for ci, text := range lowered {
					for off := 0; len(c.Spans) < maxSpansPerCandidate; {
						idx := strings.Index(text[off:], needle)
						if idx < 0 {
							break
						}
						start := utf8.RuneCountInString(text[:off+idx])
						span := common.Span{ChunkID: chunks[ci].ID, Start: start, End: start + utf8.RuneCountInString(needle)}
						if !containsSpan(c.Spans, span) {
							c.Spans = append(c.Spans, span)
						}
						off += idx + len(needle)
					}
				}
			}
		}
	}
	fill(set.People)
	fill(set.Companies)
}

func containsSpan(spans []common.Span, s common.Span) bool {
	for _, x := range spans {
		if x == s {
			return true
		}
	}
	return false
}
