// Package index keeps a searchable summary of every promoted graph node.
// Summaries are embedded when an embedder is configured; search falls back
// to keywords otherwise.
package index

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// Hit is a node matching a search.
type Hit struct {
	GraphID       string            `json:"graph_id"`
	Kind          common.EntityKind `json:"kind"`
	CanonicalName string            `json:"canonical_name"`
	Summary       string            `json:"summary"`
	Score         float64           `json:"score"`
}

// Index stores node summaries and searches them.
type Index interface {
	IndexEntity(ctx context.Context, e common.GraphEntity) error
	Search(ctx context.Context, text string, limit int) ([]Hit, error)
	Remove(ctx context.Context, graphID string) error
	Clear(ctx context.Context) error
}

// Embedder turns text into a vector. ai.GraphAIClient satisfies it.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input string) ([]float32, error)
}

// summarySkip lists attributes that do not read well in a summary.
var summarySkip = []string{"aliases", "roles", "normalized_name", "canonical_name"}

// Summary describes a node in a few sentences. The output is deterministic
// for equal input.
func Summary(e common.GraphEntity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is a %s.", e.CanonicalName, strings.ToLower(string(e.Kind)))

	if aliases := stringList(e.Attributes["aliases"]); len(aliases) > 0 {
		aliases = slices.DeleteFunc(aliases, func(a string) bool { return a == e.CanonicalName })
		if len(aliases) > 0 {
			fmt.Fprintf(&b, " Also known as %s.", strings.Join(aliases, ", "))
		}
	}

	if roles, ok := e.Attributes["roles"].([]any); ok {
		var parts []string
		for _, r := range roles {
			role, ok := r.(map[string]any)
			if !ok {
				continue
			}
			title, _ := role["title"].(string)
			if title == "" {
				title, _ = role["category"].(string)
			}
			if org, _ := role["organization"].(string); org != "" {
				title += " at " + org
			}
			if title != "" {
				parts = append(parts, title)
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " Roles: %s.", strings.Join(parts, "; "))
		}
	}

	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		if !slices.Contains(summarySkip, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		switch v := e.Attributes[k].(type) {
		case string:
			if v != "" {
				fmt.Fprintf(&b, " %s: %s.", strings.ReplaceAll(k, "_", " "), v)
			}
		case []any:
			if list := stringList(v); len(list) > 0 {
				fmt.Fprintf(&b, " %s: %s.", strings.ReplaceAll(k, "_", " "), strings.Join(list, ", "))
			}
		case nil:
		default:
			fmt.Fprintf(&b, " %s: %v.", strings.ReplaceAll(k, "_", " "), v)
		}
	}
	return b.String()
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// keywords splits text into lower-case words of at least three runes.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '-' || r == '\'' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 3 && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
