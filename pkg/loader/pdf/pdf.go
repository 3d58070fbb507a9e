// Package pdf extracts the text layer of PDF files.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// Parser reads the text of every page. Scanned PDFs without a text layer
// yield no text and are rejected by the loader.
type Parser struct{}

// NewParser creates a PDF parser.
func NewParser() Parser { return Parser{} }

func (Parser) Parse(ctx context.Context, file loader.File, content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Warn("[Loader] Skipping unreadable pdf page", "path", file.Path, "page", i, "err", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}

	text := strings.Join(pages, "\n\n")
	return blankLinesRe.ReplaceAllString(text, "\n\n"), nil
}
