package storage

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = body
	f.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, *id.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	start := 0
	if in.ContinuationToken != nil {
		start = slices.Index(keys, *in.ContinuationToken)
	}
	end := min(start+2, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	archive := NewArchive(fake, "documents")

	key, err := archive.PutFile(ctx, "jobs/batch-1", "Annual Report.PDF", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasPrefix(key, "jobs/batch-1/") || !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("expected key under jobs/batch-1 ending in .pdf, got %q", key)
	}
	if fake.types[key] != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", fake.types[key])
	}

	content, err := archive.GetFile(ctx, key)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(content) != "%PDF-1.4" {
		t.Fatalf("expected stored content, got %q", content)
	}

	if err := archive.DeleteFile(ctx, key); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := archive.GetFile(ctx, key); err == nil {
		t.Fatalf("expected error for deleted file")
	}
}

func TestArchiveFolders(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	archive := NewArchive(fake, "documents")

	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		if _, err := archive.PutFile(ctx, "jobs/batch-1", name, strings.NewReader(name)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if _, err := archive.PutFile(ctx, "jobs/batch-2", "keep.txt", strings.NewReader("keep")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	keys, err := archive.ListFiles(ctx, "jobs/batch-1/")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys across pages, got %d", len(keys))
	}

	if err := archive.DeleteFolder(ctx, "jobs/batch-1/"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	keys, err = archive.ListFiles(ctx, "jobs/")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "jobs/batch-2/") {
		t.Fatalf("expected only batch-2 to remain, got %v", keys)
	}
	if !reflect.DeepEqual(fake.objects[keys[0]], []byte("keep")) {
		t.Fatalf("expected kept content, got %q", fake.objects[keys[0]])
	}
}
