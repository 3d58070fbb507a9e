// Package storage archives uploaded documents in S3 so queued ingestion
// jobs can be run by another process.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	gonanoid "github.com/matoous/go-nanoid/v2"

	appconfig "github.com/kihiu-ho/llm-entity-graph-sub001/internal/config"
)

// objectAPI is the part of the S3 client the archive uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Archive stores documents under <prefix>/<random id>.<ext>.
type Archive struct {
	client objectAPI
	bucket string
}

// NewS3Client creates a path-style client for S3 or an S3-compatible
// endpoint.
func NewS3Client(ctx context.Context, cfg appconfig.Storage) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// NewArchive wraps a client for bucket.
func NewArchive(client objectAPI, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// Bucket returns the archive bucket.
func (a *Archive) Bucket() string { return a.bucket }

// PutFile uploads a document and returns its key. The original name only
// contributes the extension and content type.
func (a *Archive) PutFile(ctx context.Context, prefix, name string, file io.Reader) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	ext := strings.ToLower(path.Ext(name))
	key := path.Join(prefix, id+ext)

	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload file to S3: %w", err)
	}
	return key, nil
}

func (a *Archive) GetFile(ctx context.Context, key string) ([]byte, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file from S3: %w", err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, result.Body); err != nil {
		return nil, fmt.Errorf("failed to read file contents: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Archive) DeleteFile(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

// ListFiles returns every key under prefix.
func (a *Archive) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := a.eachPage(ctx, prefix, func(objects []types.Object) error {
		for _, obj := range objects {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		return nil
	})
	return keys, err
}

// DeleteFolder removes every object under prefix, one page at a time.
func (a *Archive) DeleteFolder(ctx context.Context, prefix string) error {
	return a.eachPage(ctx, prefix, func(objects []types.Object) error {
		if len(objects) == 0 {
			return nil
		}
		ids := make([]types.ObjectIdentifier, 0, len(objects))
		for _, obj := range objects {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects in folder %s: %w", prefix, err)
		}
		return nil
	})
}

func (a *Archive) eachPage(ctx context.Context, prefix string, fn func([]types.Object) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := a.client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}
		if err := fn(out.Contents); err != nil {
			return err
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}
