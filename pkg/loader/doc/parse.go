package doc

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	documentPart = "word/document.xml"
	maxPartSize  = 50 << 20
)

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// docxWriter accumulates text while walking document.xml.
type docxWriter struct {
	sb       strings.Builder
	inText   bool
	deleted  int
	inTable  bool
	cell     int
	paraHead string
}

func (w *docxWriter) write(s string) {
	if w.deleted > 0 {
		return
	}
	if w.paraHead != "" {
		w.sb.WriteString(w.paraHead)
		w.paraHead = ""
	}
	w.sb.WriteString(s)
}

func (w *docxWriter) newline() {
	if w.deleted > 0 || w.sb.Len() == 0 {
		return
	}
	w.paraHead = ""
	w.sb.WriteByte('\n')
}

func (w *docxWriter) start(e xml.StartElement) {
	switch e.Name.Local {
	case "del":
		w.deleted++
	case "t":
		w.inText = true
	case "tab":
		w.write("\t")
	case "br", "cr":
		w.newline()
	case "noBreakHyphen":
		w.write("-")
	case "pStyle":
		// Headings become markdown markers so section titles survive
		// chunking.
		for _, a := range e.Attr {
			if a.Name.Local == "val" && strings.HasPrefix(strings.ToLower(a.Value), "heading") {
				w.paraHead = "## "
			}
		}
	case "tbl":
		w.inTable = true
		w.cell = 0
		if !strings.HasSuffix(w.sb.String(), "\n") {
			w.newline()
		}
	case "tr":
		w.cell = 0
	case "tc":
		if w.inTable {
			if w.cell > 0 {
				w.write("\t")
			}
			w.cell++
		}
	}
}

func (w *docxWriter) end(e xml.EndElement) {
	switch e.Name.Local {
	case "t":
		w.inText = false
	case "p":
		// Paragraphs inside table cells stay on the row's line.
		if !w.inTable {
			w.newline()
		}
	case "tr":
		w.newline()
	case "tbl":
		w.inTable = false
		w.newline()
	case "del":
		if w.deleted > 0 {
			w.deleted--
		}
	}
}

func parseDocx(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}

	var part *zip.File
	for _, f := range zr.File {
		if f.Name == documentPart {
			part = f
			break
		}
	}
	if part == nil {
		return "", fmt.Errorf("%s not found in docx", documentPart)
	}
	if part.UncompressedSize64 > maxPartSize {
		return "", fmt.Errorf("%s too large: %d bytes", documentPart, part.UncompressedSize64)
	}

	rc, err := part.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", documentPart, err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, maxPartSize))
	var w docxWriter
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", documentPart, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.EndElement:
			w.end(t)
		case xml.CharData:
			if w.inText {
				w.write(string(t))
			}
		}
	}

	text := strings.TrimSpace(w.sb.String())
	return blankLinesRe.ReplaceAllString(text, "\n\n"), nil
}
