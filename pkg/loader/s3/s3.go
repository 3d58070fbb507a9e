// Package s3 reads loader files from an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
)

// Source reads objects whose key is the file path. Wrap it in a
// loader.CachedSource to fetch each object once.
type Source struct {
	bucket string
	client *s3.Client
}

// NewSourceWithClient creates a Source reusing a configured client.
func NewSourceWithClient(bucket string, client *s3.Client) *Source {
	return &Source{bucket: bucket, client: client}
}

// Params configures NewSource. Endpoint overrides the AWS endpoint for
// S3-compatible storage such as MinIO.
type Params struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewSource creates a Source with static credentials.
func NewSource(ctx context.Context, params Params) (*Source, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = params.Endpoint != ""
	})
	return &Source{bucket: params.Bucket, client: client}, nil
}

func (s *Source) Read(ctx context.Context, file loader.File) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(file.Path),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, common.WrapError(common.UnsupportedDocument, err, "object %s not found", file.Path).
				WithPhase(common.PhaseLoading)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", file.Path, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
