package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// IngestQueue is the default work queue for ingestion jobs.
const IngestQueue = "ingest_queue"

// JobFile is one archived document of a job.
type JobFile struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
}

// IngestJob asks a worker to ingest archived documents. Options holds the
// same JSON as the config part of a synchronous ingestion request.
type IngestJob struct {
	JobID       string          `json:"job_id"`
	Files       []JobFile       `json:"files"`
	Options     json.RawMessage `json:"options,omitempty"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// NewJobID returns a random job id.
func NewJobID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	return "job_" + id, nil
}

// DecodeJob parses a job message. Malformed messages are InvalidConfig so
// the consumer dead-letters them without retrying.
func DecodeJob(body []byte) (IngestJob, error) {
	var job IngestJob
	if err := json.Unmarshal(body, &job); err != nil {
		return IngestJob{}, common.WrapError(common.InvalidConfig, err, "malformed ingest job")
	}
	if job.JobID == "" || len(job.Files) == 0 {
		return IngestJob{}, common.NewError(common.InvalidConfig, "ingest job needs an id and at least one file")
	}
	return job, nil
}

// Submit publishes job to queueName.
func Submit(ctx context.Context, ch Publisher, queueName string, job IngestJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := PublishFIFO(ctx, ch, queueName, "application/json", data, nil); err != nil {
		return err
	}
	logger.Info("[Queue] Job submitted", "job_id", job.JobID, "files", len(job.Files), "queue", queueName)
	return nil
}
