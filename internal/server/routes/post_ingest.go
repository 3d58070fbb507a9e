package routes

import (
	"context"
	"io"
	"mime/multipart"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
)

// uploadsOf returns the uploaded files of a form, accepting both the
// "files[]" and the "files" field name.
func uploadsOf(form *multipart.Form) []*multipart.FileHeader {
	uploads := append([]*multipart.FileHeader(nil), form.File["files[]"]...)
	return append(uploads, form.File["files"]...)
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, common.WrapError(common.UnsupportedDocument, err, "open upload %s", fh.Filename).WithPhase(common.PhaseLoading)
	}
	defer src.Close()
	content, err := io.ReadAll(src)
	if err != nil {
		return nil, common.WrapError(common.UnsupportedDocument, err, "read upload %s", fh.Filename).WithPhase(common.PhaseLoading)
	}
	return content, nil
}

func loadUpload(ctx context.Context, l *loader.Loader, fh *multipart.FileHeader) (loader.Document, error) {
	content, err := readUpload(fh)
	if err != nil {
		return loader.Document{}, err
	}
	return l.Load(ctx, loader.File{
		ID:     fh.Filename,
		Path:   fh.Filename,
		Kind:   loader.DetectKind(fh.Filename, fh.Header.Get(echo.HeaderContentType)),
		Source: loader.Bytes(content),
	})
}

// IngestHandler ingests uploaded documents and streams the pipeline
// events as NDJSON. Event document indices refer to the order of the
// uploaded files; files that cannot be loaded get an error event of their
// own. The stream ends with a complete, fatal or cancelled event.
func IngestHandler(c echo.Context) error {
	a := appOf(c)
	ctx := c.Request().Context()

	form, err := c.MultipartForm()
	if err != nil {
		return respondError(c, invalidBody(err))
	}
	uploads := uploadsOf(form)
	if len(uploads) == 0 {
		return respondError(c, common.NewError(common.InvalidConfig, "no files uploaded"))
	}
	opts, err := a.IngestOptions([]byte(formValue(form, "config")))
	if err != nil {
		return respondError(c, err)
	}

	var (
		inputs  []pipeline.Input
		indices []int
		failed  []pipeline.Event
	)
	for i, fh := range uploads {
		doc, err := loadUpload(ctx, a.Loader, fh)
		if err != nil {
			index := i
			info := common.Describe(err)
			failed = append(failed, pipeline.Event{
				Type:          pipeline.EventError,
				DocumentIndex: &index,
				Phase:         common.PhaseLoading,
				Message:       fh.Filename,
				Error:         &info,
			})
			continue
		}
		inputs = append(inputs, pipeline.Input{
			Title:    doc.Title,
			Source:   fh.Filename,
			Text:     doc.Text,
			Metadata: doc.Metadata,
		})
		indices = append(indices, i)
	}
	logger.Info("[Server] Ingestion requested", "files", len(uploads), "loaded", len(inputs), "mode", opts.Mode)

	s := openStream(c)
	for _, ev := range failed {
		if err := s.send(ev); err != nil {
			return nil
		}
	}
	if len(inputs) == 0 {
		info := common.Describe(common.NewError(common.UnsupportedDocument, "no uploaded file could be loaded").WithPhase(common.PhaseLoading))
		_ = s.send(pipeline.Event{
			Type:    pipeline.EventFatal,
			Error:   &info,
			Summary: &pipeline.Summary{Failed: len(failed), Warnings: []string{}, DocumentIDs: []string{}},
		})
		return nil
	}

	events, err := a.Pipeline.Ingest(ctx, inputs, opts)
	if err != nil {
		info := common.Describe(err)
		_ = s.send(pipeline.Event{Type: pipeline.EventFatal, Error: &info})
		return nil
	}
	for ev := range events {
		if ev.DocumentIndex != nil {
			index := indices[*ev.DocumentIndex]
			ev.DocumentIndex = &index
		}
		if ev.Type.Terminal() && ev.Summary != nil {
			ev.Summary.Failed += len(failed)
		}
		if err := s.send(ev); err != nil {
			logger.Warn("[Server] Ingestion stream closed by client", "err", err)
			drain(events)
			return nil
		}
	}
	return nil
}
