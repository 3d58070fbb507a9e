// Package doc extracts text from Word documents in the Office Open XML
// (.docx) format.
package doc

import (
	"context"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
)

// Parser reads word/document.xml. Deleted revisions are skipped, table
// cells are separated by tabs and rows by newlines.
type Parser struct{}

// NewParser creates a DOCX parser.
func NewParser() Parser { return Parser{} }

func (Parser) Parse(ctx context.Context, _ loader.File, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return parseDocx(content)
}
