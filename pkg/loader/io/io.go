// Package io reads files from the local filesystem.
package io

import (
	"context"
	"os"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
)

// FileSource reads loader files from disk. Wrap it in a
// loader.CachedSource to read each file once.
type FileSource struct{}

// NewFileSource creates a filesystem source.
func NewFileSource() FileSource { return FileSource{} }

func (FileSource) Read(ctx context.Context, file loader.File) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(file.Path)
}
