package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
	loaderio "github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader/io"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
)

func ingestCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Ingest local documents",
		Long: `Load local files and run them through the ingestion pipeline. Files that
cannot be loaded are skipped. --config takes the same JSON options as the
config field of POST /ingest; --mode overrides its mode.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				opts, err := a.IngestOptions([]byte(e.v.GetString("config")))
				if err != nil {
					return nil, err
				}
				if mode := e.v.GetString("mode"); mode != "" {
					opts.Mode = pipeline.Mode(mode)
					if err := opts.Validate(); err != nil {
						return nil, err
					}
				}
				inputs, err := loadFiles(ctx, a.Loader, args)
				if err != nil {
					return nil, err
				}
				return runIngest(ctx, a, inputs, opts)
			})
		},
	}
	cmd.Flags().String("mode", "", "staging or direct")
	cmd.Flags().String("config", "", "ingestion options as JSON")
	_ = e.v.BindPFlag("mode", cmd.Flags().Lookup("mode"))
	_ = e.v.BindPFlag("config", cmd.Flags().Lookup("config"))
	return cmd
}

func loadFiles(ctx context.Context, l *loader.Loader, paths []string) ([]pipeline.Input, error) {
	source := loaderio.NewFileSource()
	var inputs []pipeline.Input
	for _, path := range paths {
		doc, err := l.Load(ctx, loader.File{ID: path, Path: path, Source: source})
		if err != nil {
			logger.Warn("[CLI] Skipping file", "path", path, "err", err)
			continue
		}
		inputs = append(inputs, pipeline.Input{Title: doc.Title, Source: doc.Source, Text: doc.Text, Metadata: doc.Metadata})
	}
	if len(inputs) == 0 {
		return nil, common.NewError(common.UnsupportedDocument, "no file could be loaded").WithPhase(common.PhaseLoading)
	}
	return inputs, nil
}

func runIngest(ctx context.Context, a *app.App, inputs []pipeline.Input, opts pipeline.Options) (*pipeline.Summary, error) {
	events, err := a.Pipeline.Ingest(ctx, inputs, opts)
	if err != nil {
		return nil, err
	}
	var last pipeline.Event
	for ev := range events {
		switch ev.Type {
		case pipeline.EventWarning:
			logger.Warn("[CLI] Ingestion warning", "document_id", ev.DocumentID, "msg", ev.Message)
		case pipeline.EventError:
			logger.Error("[CLI] Document failed", "document_id", ev.DocumentID, "err", ev.Error)
		case pipeline.EventProgress:
			logger.Debug("[CLI] Progress", "document_id", ev.DocumentID, "phase", ev.Phase, "percent", ev.Percent)
		}
		last = ev
	}
	if err := app.TerminalError(last); err != nil {
		return nil, err
	}
	return last.Summary, nil
}
