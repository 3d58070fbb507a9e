package neo4j

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

func nodeFromRecord(rec *neo4j.Record, key string) (common.GraphEntity, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, key)
	if err != nil {
		return common.GraphEntity{}, err
	}
	return decodeNode(node)
}

func decodeNode(n neo4j.Node) (common.GraphEntity, error) {
	e := common.GraphEntity{Labels: slices.Clone(n.Labels)}
	for _, l := range n.Labels {
		if k := common.EntityKind(l); k.Valid() {
			e.Kind = k
		}
	}
	e.GraphID, _ = n.Props["graph_id"].(string)
	e.CanonicalName, _ = n.Props["canonical_name"].(string)
	attrs, err := decodeAttributes(n.Props["attributes"])
	if err != nil {
		return e, fmt.Errorf("node %s: %w", e.GraphID, err)
	}
	e.Attributes = attrs
	e.Provenance = decodeProvenance(n.Props["provenance"])
	e.CreatedAt, _ = n.Props["created_at"].(time.Time)
	e.UpdatedAt, _ = n.Props["updated_at"].(time.Time)
	return e, nil
}

func decodeRelationship(r neo4j.Relationship, src, tgt, kind string) (common.GraphRelationship, error) {
	e := common.GraphRelationship{
		SourceGraphID: src,
		TargetGraphID: tgt,
		Kind:          common.RelationKind(kind),
	}
	if e.Kind == "" {
		e.Kind = common.RelationKind(r.Type)
	}
	e.GraphID, _ = r.Props["graph_id"].(string)
	attrs, err := decodeAttributes(r.Props["attributes"])
	if err != nil {
		return e, fmt.Errorf("edge %s: %w", e.GraphID, err)
	}
	e.Attributes = attrs
	e.Provenance = decodeProvenance(r.Props["provenance"])
	e.CreatedAt, _ = r.Props["created_at"].(time.Time)
	e.UpdatedAt, _ = r.Props["updated_at"].(time.Time)
	return e, nil
}

func decodeAttributes(v any) (map[string]any, error) {
	attrs := map[string]any{}
	raw, _ := v.(string)
	if raw == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return attrs, nil
}

func encodeProvenance(list []common.Provenance) []string {
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.String()
	}
	return out
}

func decodeProvenance(v any) []common.Provenance {
	list, _ := v.([]any)
	out := make([]common.Provenance, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, common.ParseProvenance(s))
		}
	}
	return out
}

// searchText is the full-text indexed blob of a node: its name and
// aliases.
func searchText(name string, attrs map[string]any) string {
	parts := []string{name}
	if aliases, ok := attrs["aliases"].([]any); ok {
		for _, a := range aliases {
			if s, ok := a.(string); ok && s != name {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " | ")
}

var luceneEscaper = strings.NewReplacer(
	`\`, `\\`, `+`, `\+`, `-`, `\-`, `!`, `\!`, `(`, `\(`, `)`, `\)`, `:`, `\:`,
	`^`, `\^`, `[`, `\[`, `]`, `\]`, `"`, `\"`, `{`, `\{`, `}`, `\}`, `~`, `\~`,
	`*`, `\*`, `?`, `\?`, `|`, `\|`, `&`, `\&`, `/`, `\/`,
)

// LuceneQuery turns free text into an OR query over its words of three or
// more characters, escaping Lucene syntax.
func LuceneQuery(text string) string {
	var terms []string
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, `.,;:!?'"()`)
		if len([]rune(w)) < 3 {
			continue
		}
		terms = append(terms, luceneEscaper.Replace(w))
	}
	return strings.Join(terms, " OR ")
}
