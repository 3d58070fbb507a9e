// Package loader turns uploaded or stored files into document text for
// ingestion. Sources fetch raw bytes (filesystem, S3, HTTP, memory);
// parsers turn the bytes of one file kind into plain text.
package loader

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// FileKind is the format of a file.
type FileKind string

const (
	FileKindText FileKind = "text"
	FileKindHTML FileKind = "html"
	FileKindDocx FileKind = "docx"
	FileKindPDF  FileKind = "pdf"
	FileKindCSV  FileKind = "csv"
)

// File is one input to load. Path is interpreted by the Source: a local
// path, an object key or a URL.
type File struct {
	ID     string
	Path   string
	Title  string
	Kind   FileKind
	Source Source
}

// Source fetches the raw bytes of a file.
type Source interface {
	Read(ctx context.Context, file File) ([]byte, error)
}

// Parser extracts plain text from the raw bytes of a file.
type Parser interface {
	Parse(ctx context.Context, file File, content []byte) (string, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, file File, content []byte) (string, error)

func (f ParserFunc) Parse(ctx context.Context, file File, content []byte) (string, error) {
	return f(ctx, file, content)
}

// Document is the loaded text with the metadata ingestion needs.
type Document struct {
	Title    string         `json:"title"`
	Source   string         `json:"source"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Loader dispatches files to the parser of their kind.
type Loader struct {
	parsers map[FileKind]Parser
}

// New creates a Loader. Plain text is always supported; other kinds need
// a parser.
func New(parsers map[FileKind]Parser) *Loader {
	l := &Loader{parsers: map[FileKind]Parser{FileKindText: ParserFunc(parseText)}}
	for k, p := range parsers {
		l.parsers[k] = p
	}
	return l
}

// Supports reports whether files of kind can be loaded.
func (l *Loader) Supports(kind FileKind) bool {
	_, ok := l.parsers[kind]
	return ok
}

// Load reads and parses a file. Unknown kinds, unreadable content and
// files without text fail with UnsupportedDocument.
func (l *Loader) Load(ctx context.Context, file File) (Document, error) {
	if file.Kind == "" {
		file.Kind = DetectKind(file.Path, "")
	}
	parser, ok := l.parsers[file.Kind]
	if !ok {
		return Document{}, unsupported(file, "no parser for %q files", file.Kind)
	}
	if file.Source == nil {
		return Document{}, fmt.Errorf("file %s has no source", file.Path)
	}

	content, err := file.Source.Read(ctx, file)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", file.Path, err)
	}
	text, err := parser.Parse(ctx, file, content)
	if err != nil {
		if common.KindOf(err) == common.UnsupportedDocument {
			return Document{}, err
		}
		return Document{}, unsupported(file, "%v", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Document{}, unsupported(file, "no text found")
	}

	title := file.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(file.Path), filepath.Ext(file.Path))
	}
	logger.Debug("[Loader] Loaded file", "path", file.Path, "kind", file.Kind, "bytes", len(content), "chars", utf8.RuneCountInString(text))
	return Document{
		Title:    title,
		Source:   file.Path,
		Text:     text,
		Metadata: map[string]any{"file_kind": string(file.Kind), "file_id": file.ID},
	}, nil
}

func unsupported(file File, format string, args ...any) error {
	return common.NewError(common.UnsupportedDocument, "%s: %s", file.Path, fmt.Sprintf(format, args...)).
		WithPhase(common.PhaseLoading)
}

func parseText(_ context.Context, file File, content []byte) (string, error) {
	content = trimBOM(content)
	if !utf8.Valid(content) {
		return "", unsupported(file, "text is not valid UTF-8")
	}
	return string(content), nil
}

func trimBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// DetectKind infers the file kind from the extension, then from the
// content type. It returns an empty kind when neither is known.
func DetectKind(path, contentType string) FileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".text", ".md", ".markdown":
		return FileKindText
	case ".html", ".htm", ".xhtml":
		return FileKindHTML
	case ".docx":
		return FileKindDocx
	case ".pdf":
		return FileKindPDF
	case ".csv":
		return FileKindCSV
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml":
		return FileKindHTML
	case mediaType == "application/pdf":
		return FileKindPDF
	case mediaType == "text/csv":
		return FileKindCSV
	case mediaType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return FileKindDocx
	case strings.HasPrefix(mediaType, "text/"):
		return FileKindText
	}
	return ""
}

// CacheKey identifies a file in source caches.
func CacheKey(file File) string {
	if file.ID != "" {
		return file.ID + ":" + file.Path
	}
	return file.Path
}

// Bytes is a Source for content already in memory, such as uploads.
type Bytes []byte

func (b Bytes) Read(ctx context.Context, _ File) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b, nil
}
