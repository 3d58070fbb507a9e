package server_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rabbitmq/amqp091-go"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/queue"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/storage"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
)

// bucket is an in-memory object store.
type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *bucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (b *bucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (b *bucket) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (b *bucket) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(b.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (b *bucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key := range b.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

// publisher records published messages.
type publisher struct {
	mu   sync.Mutex
	keys []string
	msgs []amqp091.Publishing
}

func (p *publisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, msg)
	return nil
}

// archived reads job files back from the archive.
type archived struct{ archive *storage.Archive }

func (a archived) Read(ctx context.Context, file loader.File) ([]byte, error) {
	return a.archive.GetFile(ctx, file.Path)
}

func TestSubmitIngestJob(t *testing.T) {
	ctx := context.Background()
	objects := &bucket{objects: map[string][]byte{}}
	archive := storage.NewArchive(objects, "documents")
	jobs := &publisher{}
	e, a, _ := newServer(t, app.WithArchive(archive), app.WithJobs(jobs), app.WithDocuments(archived{archive}))

	body, ct := multipartBody(t, `{"mode":"direct"}`, upload{"jane.txt", janeText})
	rec := do(e, http.MethodPost, "/ingest/jobs", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		JobID string          `json:"job_id"`
		Files []queue.JobFile `json:"files"`
	}](t, rec)
	if !strings.HasPrefix(resp.JobID, "job_") || len(resp.Files) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if key := resp.Files[0].Key; !strings.HasPrefix(key, app.JobPrefix(resp.JobID)+"/") || !strings.HasSuffix(key, ".txt") {
		t.Fatalf("expected the file archived under the job prefix, got %s", key)
	}

	if len(jobs.msgs) != 1 || jobs.keys[0] != "ingest_queue" {
		t.Fatalf("expected one job on ingest_queue, got %v", jobs.keys)
	}
	job, err := queue.DecodeJob(jobs.msgs[0].Body)
	if err != nil || job.JobID != resp.JobID || job.SubmittedBy != "anonymous" {
		t.Fatalf("unexpected job %+v %v", job, err)
	}

	if err := a.RunJob(ctx, job); err != nil {
		t.Fatalf("expected the queued job to run, got %v", err)
	}
	found, err := a.Graph.FindEntities(ctx, graphstore.EntityQuery{Kind: common.EntityPerson, Name: "Jane Smith"})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected Jane Smith promoted by the job, got %v %v", found, err)
	}
}

func TestSubmitIngestJobValidation(t *testing.T) {
	e, _, _ := newServer(t)
	body, ct := multipartBody(t, "", upload{"jane.txt", janeText})
	if rec := do(e, http.MethodPost, "/ingest/jobs", body, ct); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive and queue, got %d", rec.Code)
	}

	objects := &bucket{objects: map[string][]byte{}}
	jobs := &publisher{}
	e, _, _ = newServer(t, app.WithArchive(storage.NewArchive(objects, "documents")), app.WithJobs(jobs))
	body, ct = multipartBody(t, `{"mode":"eventually"}`, upload{"jane.txt", janeText})
	if rec := do(e, http.MethodPost, "/ingest/jobs", body, ct); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid options, got %d", rec.Code)
	}
	if len(objects.objects) != 0 || len(jobs.msgs) != 0 {
		t.Fatalf("expected nothing archived or queued")
	}
}
