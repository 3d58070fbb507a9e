package doc

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
)

func docx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("expected zip entry, got %v", err)
	}
	doc := `<?xml version="1.0" encoding="UTF-8"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`
	if _, err := w.Write([]byte(doc)); err != nil {
		t.Fatalf("expected write, got %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("expected close, got %v", err)
	}
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	content := docx(t,
		`<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Board of Directors</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t xml:space="preserve">Jane Smith is the CEO </w:t></w:r>`+
			`<w:del><w:r><w:delText>and founder</w:delText><w:t>removed</w:t></w:r></w:del>`+
			`<w:r><w:t>of Acme Corp.</w:t></w:r></w:p>`+
			`<w:tbl><w:tr><w:tc><w:p><w:r><w:t>Name</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Role</w:t></w:r></w:p></w:tc></w:tr>`+
			`<w:tr><w:tc><w:p><w:r><w:t>John Doe</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>CFO</w:t></w:r></w:p></w:tc></w:tr></w:tbl>`)

	l := loader.New(map[loader.FileKind]loader.Parser{loader.FileKindDocx: NewParser()})
	doc, err := l.Load(context.Background(), loader.File{Path: "board.docx", Source: loader.Bytes(content)})
	if err != nil {
		t.Fatalf("expected document, got %v", err)
	}
	want := "## Board of Directors\nJane Smith is the CEO of Acme Corp.\nName\tRole\nJohn Doe\tCFO"
	if doc.Text != want {
		t.Fatalf("expected %q, got %q", want, doc.Text)
	}
}

func TestParseRejectsNonZip(t *testing.T) {
	if _, err := NewParser().Parse(context.Background(), loader.File{}, []byte("plain")); err == nil {
		t.Fatalf("expected error for non-zip content")
	}
}
