// Package pipeline drives ingestion: documents are chunked, extracted,
// canonicalized and staged in parallel while progress is streamed to the
// caller.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/chunker"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/extract"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 64

var documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("llm-entity-graph/documents"))

// Input is a document submitted for ingestion.
type Input struct {
	Title    string         `json:"title"`
	Source   string         `json:"source,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DocumentID returns the id a document with this title and text gets.
// Submitting the same document again maps to the same id.
func DocumentID(title, text string) string {
	return uuid.NewSHA1(documentNamespace, []byte(title+"\x00"+text)).String()
}

// NewDocument validates in and turns it into a Document.
func NewDocument(in Input, now time.Time) (common.Document, error) {
	if strings.TrimSpace(in.Text) == "" {
		return common.Document{}, common.NewError(common.UnsupportedDocument, "document %q has no text", in.Title).
			WithPhase(common.PhaseLoading)
	}
	if !utf8.ValidString(in.Text) {
		return common.Document{}, common.NewError(common.UnsupportedDocument, "document %q is not valid UTF-8", in.Title).
			WithPhase(common.PhaseLoading)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = in.Source
	}
	return common.Document{
		ID:        DocumentID(title, in.Text),
		Title:     title,
		Source:    in.Source,
		RawText:   in.Text,
		Metadata:  in.Metadata,
		CreatedAt: now,
	}, nil
}

// Clearer empties a derived store during graph cleanup.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Params configures a Pipeline. Extractor and Staging are required. Graph
// is needed for graph cleanup and Approval for any automatic promotion.
type Params struct {
	Extractor *extract.Extractor
	Staging   staging.Store
	Graph     graphstore.Store
	Index     Clearer
	Approval  *approval.Service

	// Defaults of DefaultOptions.
	Chunking    chunker.Config
	Extraction  extract.Options
	AutoPromote approval.AutoPromote

	ChunkerOptions         []chunker.Option
	MaxConcurrentDocuments int
	EventBuffer            int
	Now                    func() time.Time
}

// Pipeline runs ingestion requests. It is safe for concurrent use.
type Pipeline struct {
	extractor   *extract.Extractor
	staging     staging.Store
	graph       graphstore.Store
	index       Clearer
	approval    *approval.Service
	chunking    chunker.Config
	extraction  extract.Options
	autoPromote approval.AutoPromote
	chunkerOpts []chunker.Option
	concurrency int
	buffer      int
	now         func() time.Time

	// promoteMu serializes promotion across documents of all runs.
	promoteMu sync.Mutex
}

// New creates a Pipeline.
func New(p Params) (*Pipeline, error) {
	if p.Extractor == nil || p.Staging == nil {
		return nil, common.NewError(common.InvalidConfig, "pipeline needs an extractor and a staging store")
	}
	if p.Chunking == (chunker.Config{}) {
		p.Chunking = chunker.DefaultConfig()
	}
	if !p.Extraction.People && !p.Extraction.Companies && !p.Extraction.Roles && !p.Extraction.Relationships && !p.Extraction.Locations {
		p.Extraction = extract.DefaultOptions()
	}
	if p.AutoPromote == "" {
		p.AutoPromote = approval.AutoPromoteOff
	}
	if p.MaxConcurrentDocuments <= 0 {
		p.MaxConcurrentDocuments = DefaultMaxConcurrentDocuments
	}
	if p.EventBuffer <= 0 {
		p.EventBuffer = DefaultEventBuffer
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Pipeline{
		extractor:   p.Extractor,
		staging:     p.Staging,
		graph:       p.Graph,
		index:       p.Index,
		approval:    p.Approval,
		chunking:    p.Chunking,
		extraction:  p.Extraction,
		autoPromote: p.AutoPromote,
		chunkerOpts: p.ChunkerOptions,
		concurrency: p.MaxConcurrentDocuments,
		buffer:      p.EventBuffer,
		now:         p.Now,
	}, nil
}

// DefaultOptions returns the options used when a request sets none.
func (p *Pipeline) DefaultOptions() Options {
	extraction := p.extraction
	extraction.RoleTaxonomy = slices.Clone(extraction.RoleTaxonomy)
	return Options{
		Mode:          ModeStaging,
		CleanupBefore: CleanupNone,
		Chunking:      p.chunking,
		Extraction:    extraction,
		AutoPromote:   p.autoPromote,
	}
}

// Ingest validates the request and starts processing in the background.
// The returned channel yields progress, warning and error events and
// ends with exactly one complete, fatal or cancelled event before it is
// closed. Sends block while the buffer is full, so the caller must drain
// the channel until it is closed. Cancelling ctx stops the run: pending
// documents are skipped and rows of documents already staged stay
// pending.
func (p *Pipeline) Ingest(ctx context.Context, docs []Input, opts Options) (<-chan Event, error) {
	if len(docs) == 0 {
		return nil, common.NewError(common.InvalidConfig, "no documents to ingest")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.AutoPromote == "" {
		opts.AutoPromote = approval.AutoPromoteOff
	}
	if opts.promotesEachDocument() && p.approval == nil {
		return nil, common.NewError(common.InvalidConfig, "%s ingestion needs graph promotion to be configured", opts.Mode)
	}
	if opts.CleanupBefore.graph() && p.graph == nil {
		return nil, common.NewError(common.InvalidConfig, "graph cleanup needs a graph store")
	}
	c, err := chunker.New(opts.Chunking.WithDefaults(), p.chunkerOpts...)
	if err != nil {
		return nil, err
	}
	if opts.BatchID == "" {
		if opts.BatchID, err = staging.NewID(staging.BatchPrefix); err != nil {
			return nil, fmt.Errorf("generate batch id: %w", err)
		}
	}
	concurrency := p.concurrency
	if opts.MaxConcurrentDocuments > 0 {
		concurrency = opts.MaxConcurrentDocuments
	}

	r := &run{
		p:           p,
		docs:        docs,
		opts:        opts,
		chunker:     c,
		concurrency: concurrency,
		events:      make(chan Event, p.buffer),
		started:     p.now(),
		docIDs:      make([]string, len(docs)),
		summary:     Summary{BatchID: opts.BatchID, Warnings: []string{}},
	}
	logger.Info("[Pipeline] Starting ingestion",
		"batch_id", opts.BatchID,
		"documents", len(docs),
		"mode", opts.Mode,
		"cleanup_before", opts.CleanupBefore,
		"auto_promote", opts.AutoPromote,
		"concurrency", concurrency,
	)

	go func() {
		defer close(r.events)
		r.execute(ctx)
	}()
	return r.events, nil
}

// run holds the state of one Ingest call.
type run struct {
	p           *Pipeline
	docs        []Input
	opts        Options
	chunker     *chunker.Chunker
	concurrency int
	events      chan Event
	started     time.Time

	mu      sync.Mutex
	docIDs  []string
	summary Summary
}

func (r *run) execute(ctx context.Context) {
	err := r.cleanup(ctx)
	if err == nil {
		err = r.documents(ctx)
	}
	if err == nil {
		err = r.finish(ctx)
	}
	r.terminate(ctx, err)
}

func (r *run) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// terminate sends the terminal event. It does not give up on a cancelled
// ctx; the reader drains until close.
func (r *run) terminate(ctx context.Context, err error) {
	summary := r.snapshot()
	ev := Event{Percent: 100, Summary: &summary}
	switch {
	case ctx.Err() != nil:
		cause := err
		if k := common.KindOf(cause); k != common.Cancelled && k != common.Timeout {
			cause = common.FromContext(ctx, "")
		}
		info := common.Describe(cause)
		ev.Type, ev.Phase, ev.Error = EventCancelled, info.Phase, &info
		ev.Message = "ingestion cancelled"
		logger.Warn("[Pipeline] Ingestion cancelled", "batch_id", summary.BatchID, "staged_documents", summary.Documents)
	case err != nil:
		info := common.Describe(err)
		ev.Type, ev.Phase, ev.Error = EventFatal, info.Phase, &info
		ev.Message = info.Detail
		logger.Error("[Pipeline] Ingestion aborted", "batch_id", summary.BatchID, "err", err)
	default:
		ev.Type = EventComplete
		ev.Message = fmt.Sprintf("staged %d of %d documents", summary.Documents, len(r.docs))
		logger.Info("[Pipeline] Ingestion complete",
			"batch_id", summary.BatchID,
			"documents", summary.Documents,
			"failed", summary.Failed,
			"entities", summary.Entities,
			"relationships", summary.Relationships,
			"duration_ms", summary.DurationMS,
		)
	}
	r.events <- ev
}

func (r *run) snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.Warnings = slices.Clone(r.summary.Warnings)
	s.DocumentIDs = []string{}
	for _, id := range r.docIDs {
		if id != "" {
			s.DocumentIDs = append(s.DocumentIDs, id)
		}
	}
	s.DurationMS = r.p.now().Sub(r.started).Milliseconds()
	return s
}

func (r *run) cleanup(ctx context.Context) error {
	c := r.opts.CleanupBefore
	if c == CleanupNone {
		return nil
	}
	if c.graph() {
		if err := r.p.graph.Clear(ctx); err != nil {
			return inPhase(err, common.PhaseCleanup, "")
		}
		if r.p.index != nil {
			if err := r.p.index.Clear(ctx); err != nil {
				return inPhase(err, common.PhaseCleanup, "")
			}
		}
		logger.Info("[Pipeline] Cleared graph", "batch_id", r.opts.BatchID)
	}
	if c.staging() {
		res, err := r.p.staging.ClearPending(ctx, "")
		if err != nil {
			return inPhase(err, common.PhaseCleanup, "")
		}
		logger.Info("[Pipeline] Cleared pending rows", "entities", res.Entities, "relationships", res.Relationships)
	}
	r.emit(ctx, Event{Type: EventProgress, Phase: common.PhaseCleanup, Percent: 100, Message: fmt.Sprintf("cleared %s", c)})
	return nil
}

// documents processes the documents on a bounded worker pool. Per
// document failures are reported and skipped; transient, fatal and
// cancellation errors stop the pool.
func (r *run) documents(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, in := range r.docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.document(gctx, i, in)
		})
	}
	return g.Wait()
}

func aborts(err error) bool {
	switch common.KindOf(err).Category() {
	case common.CategoryInput, common.CategoryData, common.CategoryState:
		return false
	}
	return true
}

func (r *run) document(ctx context.Context, i int, in Input) error {
	docID, err := r.process(ctx, i, in)
	if err == nil {
		return nil
	}
	if aborts(err) {
		return err
	}
	info := common.Describe(err)
	if info.DocumentID == "" {
		info.DocumentID = docID
	}
	logger.Warn("[Pipeline] Document failed", "document_index", i, "document_id", docID, "kind", info.Kind, "err", err)
	r.mu.Lock()
	r.summary.Failed++
	r.mu.Unlock()
	r.emit(ctx, Event{
		Type:          EventError,
		DocumentIndex: &i,
		DocumentID:    docID,
		Phase:         info.Phase,
		Message:       info.Detail,
		Error:         &info,
	})
	return nil
}

func (r *run) process(ctx context.Context, i int, in Input) (string, error) {
	if err := common.FromContext(ctx, common.PhaseLoading); err != nil {
		return "", err
	}
	doc, err := NewDocument(in, r.p.now())
	if err != nil {
		return "", err
	}
	progress := func(phase string, percent int, format string, args ...any) {
		r.emit(ctx, Event{
			Type:          EventProgress,
			DocumentIndex: &i,
			DocumentID:    doc.ID,
			Phase:         phase,
			Percent:       percent,
			Message:       fmt.Sprintf(format, args...),
		})
	}
	warn := func(msg string) {
		r.mu.Lock()
		r.summary.Warnings = append(r.summary.Warnings, fmt.Sprintf("%s: %s", doc.Title, msg))
		r.mu.Unlock()
		r.emit(ctx, Event{Type: EventWarning, DocumentIndex: &i, DocumentID: doc.ID, Message: msg})
	}

	progress(common.PhaseLoading, 0, "loaded %q (%d characters)", doc.Title, utf8.RuneCountInString(doc.RawText))

	chunks := r.chunker.Chunk(doc.ID, doc.RawText, doc.Title)
	if len(chunks) == 0 {
		return doc.ID, common.NewError(common.UnsupportedDocument, "document %q produced no chunks", doc.Title).
			WithPhase(common.PhaseChunking).WithDocument(doc.ID)
	}
	progress(common.PhaseChunking, 10, "split into %d chunks", len(chunks))

	opts := r.opts.Extraction
	opts.Progress = func(done, total int) {
		progress(common.PhaseExtraction, 20+60*done/total, "extracted window %d of %d", done, total)
	}
	progress(common.PhaseExtraction, 20, "extracting entities from %d chunks", len(chunks))
	set, err := r.p.extractor.Extract(ctx, doc.ID, chunks, opts)
	if err != nil {
		return doc.ID, inPhase(err, common.PhaseExtraction, doc.ID)
	}
	for _, w := range set.Warnings {
		warn(w)
	}

	// A document cancelled before this point leaves nothing behind.
	if err := common.FromContext(ctx, common.PhaseStaging); err != nil {
		return doc.ID, err.WithDocument(doc.ID)
	}
	progress(common.PhaseStaging, 90, "staging %d entities and %d relationships", set.EntityCount(), len(set.Relationships))
	doc.AutoPromote = string(r.opts.AutoPromote)
	if err := r.p.staging.SaveDocument(ctx, doc); err != nil {
		return doc.ID, inPhase(err, common.PhaseStaging, doc.ID)
	}
	res, err := r.p.staging.InsertCandidates(ctx, doc.ID, set, r.opts.BatchID)
	if err != nil {
		return doc.ID, inPhase(err, common.PhaseStaging, doc.ID)
	}
	for _, w := range res.Warnings {
		warn(w)
	}

	r.mu.Lock()
	r.docIDs[i] = doc.ID
	r.summary.Documents++
	r.summary.Chunks += len(chunks)
	r.summary.Entities += len(res.EntityIDs)
	r.summary.Relationships += len(res.RelationshipIDs)
	r.mu.Unlock()

	if r.opts.promotesEachDocument() {
		progress(common.PhasePromotion, 95, "promoting staged rows")
		if err := r.promote(ctx, doc.ID, warn); err != nil {
			return doc.ID, inPhase(err, common.PhasePromotion, doc.ID)
		}
	}

	progress(PhaseDone, 100, "staged %d entities and %d relationships", len(res.EntityIDs), len(res.RelationshipIDs))
	return doc.ID, nil
}

// promote approves the document's pending rows as the system reviewer and
// promotes them.
func (r *run) promote(ctx context.Context, documentID string, warn func(string)) error {
	r.p.promoteMu.Lock()
	defer r.p.promoteMu.Unlock()

	out, err := r.p.approval.ApproveAndPromote(ctx, documentID, approval.SystemReviewer)
	if err != nil {
		return err
	}
	if out.Promotion == nil {
		return nil
	}
	for _, w := range out.Promotion.Warnings {
		warn(w)
	}
	for _, f := range out.Promotion.Failures {
		warn(fmt.Sprintf("%s not promoted: %s: %s", f.StagedID, f.Kind, f.Detail))
	}
	r.mu.Lock()
	r.summary.Promoted += out.Promotion.Entities + out.Promotion.Relationships
	r.mu.Unlock()
	return nil
}

// finish applies the batch-level approval policies.
func (r *run) finish(ctx context.Context) error {
	if r.p.approval == nil {
		return nil
	}
	primary := ""
	r.mu.Lock()
	for _, id := range r.docIDs {
		if id != "" {
			primary = id
			break
		}
	}
	r.mu.Unlock()

	sess, err := r.p.approval.AfterIngest(ctx, primary)
	if err != nil {
		if aborts(err) {
			return inPhase(err, common.PhaseApproval, primary)
		}
		logger.Warn("[Pipeline] No approval session opened", "document_id", primary, "err", err)
		return nil
	}
	if sess != nil {
		r.mu.Lock()
		r.summary.SessionID = sess.SessionID
		r.mu.Unlock()
	}
	return nil
}

// inPhase attaches phase and document to err unless it already names
// them.
func inPhase(err error, phase, documentID string) error {
	e := common.AsError(err)
	if e.Phase == "" {
		e = e.WithPhase(phase)
	}
	if e.DocumentID == "" && documentID != "" {
		e = e.WithDocument(documentID)
	}
	return e
}
