// Package web loads HTML: it fetches pages over HTTP and optionally reduces
// them to their main content with readability.
package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"codeberg.org/readeck/go-readability/v2"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/loader"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

const maxBody = 20 << 20

// Parser handles HTML files. With MainContent set, navigation and
// boilerplate are dropped and the article text is returned; otherwise the
// markup is passed through for the extractor's own HTML cleanup, which
// keeps alt and title attributes.
type Parser struct {
	MainContent bool
}

// NewParser creates an HTML parser.
func NewParser(mainContent bool) Parser { return Parser{MainContent: mainContent} }

func (p Parser) Parse(ctx context.Context, file loader.File, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !p.MainContent {
		return string(content), nil
	}

	pageURL, _ := url.Parse(file.Path)
	if pageURL == nil || pageURL.Scheme == "" {
		pageURL = &url.URL{Scheme: "file", Path: file.Path}
	}
	article, err := readability.FromReader(bytes.NewReader(content), pageURL)
	if err != nil {
		logger.Warn("[Loader] Readability failed, keeping full page", "path", file.Path, "err", err)
		return string(content), nil
	}
	var builder strings.Builder
	if err := article.RenderText(&builder); err != nil {
		return "", fmt.Errorf("failed to render article text: %w", err)
	}
	if strings.TrimSpace(builder.String()) == "" {
		return string(content), nil
	}
	return builder.String(), nil
}

// Source fetches files whose Path is an http or https URL.
type Source struct {
	client *http.Client
}

// NewSource creates a Source using client, or http.DefaultClient when nil.
func NewSource(client *http.Client) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{client: client}
}

func (s *Source) Read(ctx context.Context, file loader.File) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch url: status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// Kind detects the kind of a fetched URL from its path or a HEAD request's
// content type.
func (s *Source) Kind(ctx context.Context, rawURL string) loader.FileKind {
	u, err := url.Parse(rawURL)
	if err == nil {
		if kind := loader.DetectKind(u.Path, ""); kind != "" {
			return kind
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ""
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ""
	}
	resp.Body.Close()
	return loader.DetectKind("", resp.Header.Get("Content-Type"))
}
