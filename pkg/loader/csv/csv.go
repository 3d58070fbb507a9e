// Package csv renders delimited tables as text the extractor can read.
package csv

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
)

// Parser turns every row into one line of "header: value" pairs. The first
// non-empty row is the header; columns without a header are numbered.
type Parser struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
}

// NewParser creates a comma separated parser.
func NewParser() Parser { return Parser{} }

func (p Parser) Parse(ctx context.Context, file loader.File, content []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if p.Comma != 0 {
		reader.Comma = p.Comma
	}

	var header []string
	var out strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		if blank(record) {
			continue
		}
		if header == nil {
			header = trimAll(record)
			continue
		}
		writeRow(&out, header, record)
	}
	return out.String(), nil
}

func writeRow(out *strings.Builder, header, record []string) {
	first := true
	for i, field := range record {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if !first {
			out.WriteString("; ")
		}
		first = false
		name := ""
		if i < len(header) {
			name = header[i]
		}
		if name == "" {
			name = "column " + strconv.Itoa(i+1)
		}
		out.WriteString(name)
		out.WriteString(": ")
		out.WriteString(field)
	}
	if !first {
		out.WriteByte('\n')
	}
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func trimAll(record []string) []string {
	out := make([]string, len(record))
	for i, field := range record {
		out[i] = strings.TrimSpace(field)
	}
	return out
}

