package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/queue"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

type submitJobResponse struct {
	JobID string          `json:"job_id"`
	Files []queue.JobFile `json:"files"`
}

// SubmitIngestJobHandler archives the uploaded files and queues them for
// a worker. It answers 202 with the job id once the job is published.
func SubmitIngestJobHandler(c echo.Context) error {
	a := appOf(c)
	ctx := c.Request().Context()
	if a.Archive == nil || a.Jobs == nil {
		return respondError(c, common.NewError(common.StoreUnavailable, "ingestion jobs need a document archive and a job queue"))
	}

	form, err := c.MultipartForm()
	if err != nil {
		return respondError(c, invalidBody(err))
	}
	uploads := uploadsOf(form)
	if len(uploads) == 0 {
		return respondError(c, common.NewError(common.InvalidConfig, "no files uploaded"))
	}
	rawOptions := formValue(form, "config")
	if _, err := a.IngestOptions([]byte(rawOptions)); err != nil {
		return respondError(c, err)
	}

	jobID, err := queue.NewJobID()
	if err != nil {
		return respondError(c, err)
	}
	prefix := app.JobPrefix(jobID)
	job := queue.IngestJob{
		JobID:       jobID,
		SubmittedBy: reviewerOf(c),
		SubmittedAt: time.Now().UTC(),
	}
	if rawOptions != "" {
		job.Options = json.RawMessage(rawOptions)
	}

	for _, fh := range uploads {
		src, err := fh.Open()
		if err != nil {
			discardJob(a, prefix)
			return respondError(c, invalidBody(err))
		}
		key, err := a.Archive.PutFile(ctx, prefix, fh.Filename, src)
		src.Close()
		if err != nil {
			discardJob(a, prefix)
			return respondError(c, common.WrapError(common.StoreUnavailable, err, "archive %s", fh.Filename))
		}
		job.Files = append(job.Files, queue.JobFile{Key: key, Name: fh.Filename})
	}

	if err := queue.Submit(ctx, a.Jobs, a.Config.Queue.Name, job); err != nil {
		discardJob(a, prefix)
		return respondError(c, common.WrapError(common.StoreUnavailable, err, "queue job"))
	}
	return c.JSON(http.StatusAccepted, submitJobResponse{JobID: jobID, Files: job.Files})
}

// discardJob removes the archived files of a job that was not queued.
func discardJob(a *app.App, prefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Archive.DeleteFolder(ctx, prefix); err != nil {
		logger.Warn("[Server] Failed to discard job files", "prefix", prefix, "err", err)
	}
}
