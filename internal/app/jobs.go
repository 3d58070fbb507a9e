package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/queue"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
)

// JobPrefix is the archive folder of a queued job.
func JobPrefix(jobID string) string { return path.Join("jobs", jobID) }

// IngestOptions decodes request options over the pipeline defaults. Empty
// input yields the defaults.
func (a *App) IngestOptions(raw []byte) (pipeline.Options, error) {
	opts := a.Pipeline.DefaultOptions()
	if len(raw) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return pipeline.Options{}, common.WrapError(common.InvalidConfig, err, "ingestion config")
	}
	if err := opts.Validate(); err != nil {
		return pipeline.Options{}, err
	}
	return opts, nil
}

// RunJob ingests the archived documents of a queued job. Files that
// cannot be loaded are skipped; the job fails only when none loads or the
// run ends with a fatal or cancelled event. Read failures other than a
// missing object are returned so the job is retried.
func (a *App) RunJob(ctx context.Context, job queue.IngestJob) error {
	if err := a.Ready(); err != nil {
		return err
	}
	if a.Documents == nil {
		return common.NewError(common.InvalidConfig, "job %s: no document archive configured", job.JobID)
	}
	opts, err := a.IngestOptions(job.Options)
	if err != nil {
		return err
	}

	var inputs []pipeline.Input
	for _, f := range job.Files {
		file := loader.File{
			ID:     f.Key,
			Path:   f.Key,
			Title:  f.Title,
			Kind:   loader.DetectKind(f.Name, ""),
			Source: a.Documents,
		}
		if file.Title == "" {
			file.Title = titleOf(f.Name)
		}
		doc, err := a.Loader.Load(ctx, file)
		a.Documents.Forget(file)
		if err != nil {
			if !common.IsKind(err, common.UnsupportedDocument) {
				return err
			}
			logger.Warn("[Worker] Skipping file", "job_id", job.JobID, "file", f.Name, "err", err)
			continue
		}
		inputs = append(inputs, pipeline.Input{
			Title:    doc.Title,
			Source:   f.Name,
			Text:     doc.Text,
			Metadata: doc.Metadata,
		})
	}
	if len(inputs) == 0 {
		return common.NewError(common.UnsupportedDocument, "job %s: no file could be loaded", job.JobID).
			WithPhase(common.PhaseLoading)
	}

	start := time.Now()
	events, err := a.Pipeline.Ingest(ctx, inputs, opts)
	if err != nil {
		return err
	}
	var last pipeline.Event
	for ev := range events {
		switch ev.Type {
		case pipeline.EventWarning:
			logger.Warn("[Worker] Ingestion warning", "job_id", job.JobID, "document_id", ev.DocumentID, "msg", ev.Message)
		case pipeline.EventError:
			logger.Error("[Worker] Document failed", "job_id", job.JobID, "document_id", ev.DocumentID, "err", ev.Error)
		case pipeline.EventProgress:
			logger.Debug("[Worker] Progress", "job_id", job.JobID, "document_id", ev.DocumentID, "phase", ev.Phase, "percent", ev.Percent)
		}
		last = ev
	}
	if err := TerminalError(last); err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}
	logger.Info("[Worker] Job finished", "job_id", job.JobID, "documents", len(inputs), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// TerminalError converts the terminal event of a run into an error. A
// complete event yields nil.
func TerminalError(ev pipeline.Event) error {
	switch ev.Type {
	case pipeline.EventComplete:
		return nil
	case pipeline.EventFatal, pipeline.EventCancelled:
		if ev.Error != nil {
			return &common.Error{
				Kind:       ev.Error.Kind,
				Phase:      ev.Error.Phase,
				DocumentID: ev.Error.DocumentID,
				StagedID:   ev.Error.StagedID,
				Detail:     ev.Error.Detail,
			}
		}
		if ev.Type == pipeline.EventCancelled {
			return common.NewError(common.Cancelled, "ingestion cancelled")
		}
		return common.NewError(common.CorruptState, "ingestion failed")
	}
	return common.NewError(common.CorruptState, "ingestion stream ended without a terminal event")
}

func titleOf(name string) string {
	base := path.Base(name)
	return base[:len(base)-len(path.Ext(base))]
}
