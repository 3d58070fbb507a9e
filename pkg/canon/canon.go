// Package canon merges extracted candidates that denote the same entity,
// resolves their kind and picks a canonical surface form.
package canon

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

// DefaultThreshold is the minimum Jaro-Winkler similarity for two names of
// the same kind to be considered equivalent.
const DefaultThreshold = 0.92

// Config configures a Canonicalizer.
type Config struct {
	Threshold float64
	Allowlist *Allowlist
}

// Canonicalizer collapses duplicate candidates. It holds no mutable state
// and is safe for concurrent use.
type Canonicalizer struct {
	threshold  float64
	classifier *Classifier
}

// New creates a Canonicalizer.
func New(cfg Config) *Canonicalizer {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	return &Canonicalizer{threshold: cfg.Threshold, classifier: NewClassifier(cfg.Allowlist)}
}

// Classifier returns the classifier used for kind resolution.
func (c *Canonicalizer) Classifier() *Classifier { return c.classifier }

// Similarity returns the Jaro-Winkler similarity of the match keys of a
// and b.
func Similarity(a, b string) float64 {
	ka, kb := MatchKey(a), MatchKey(b)
	if ka == "" || kb == "" {
		return 0
	}
	if ka == kb {
		return 1
	}
	return smetrics.JaroWinkler(ka, kb, 0.7, 4)
}

// Equivalent reports whether two names of the given kinds denote the same
// entity: equal case-insensitively, or equal after name cleanup or similar
// above the threshold when the kinds agree.
func (c *Canonicalizer) Equivalent(a string, ka common.EntityKind, b string, kb common.EntityKind) bool {
	if Key(a) == Key(b) {
		return true
	}
	if ka != kb {
		return false
	}
	if MatchKey(a) == MatchKey(b) {
		return true
	}
	return Similarity(a, b) >= c.threshold
}

type item struct {
	origin common.EntityKind
	forms  []string
	spans  []common.Span
	attrs  map[string]any
}

type cluster struct {
	members []int
	forms   []string
	kind    common.EntityKind
	hint    common.KindHint
	name    string
	aliases []string
}

// Canonicalize merges duplicates across the people and companies buckets,
// resolves each entity's kind and rewrites roles and relationships to the
// canonical names. Relationships whose endpoints cannot be resolved are
// dropped with a warning, as are self-relationships. Running it on its own
// output returns the same set.
func (c *Canonicalizer) Canonicalize(set common.ExtractedEntitySet) common.ExtractedEntitySet {
	out := common.ExtractedEntitySet{
		DocumentID: set.DocumentID,
		Warnings:   append([]string(nil), set.Warnings...),
	}

	items := collect(set)
	clusters := c.cluster(items)

	lookup := newLookup(clusters)
	for _, cl := range clusters {
		cand := common.Candidate{
			Name:           cl.name,
			NormalizedName: Key(cl.name),
			Kind:           cl.kind,
			Hint:           cl.hint,
			Aliases:        cl.aliases,
		}
		for _, m := range cl.members {
			cand.Spans = appendSpans(cand.Spans, items[m].spans)
			cand.Attributes = MergeFirstWins(cand.Attributes, items[m].attrs)
		}
		if cl.kind == common.EntityPerson {
			out.People = append(out.People, cand)
		} else {
			out.Companies = append(out.Companies, cand)
		}
	}

	seenLoc := map[string]bool{}
	for _, l := range set.Locations {
		n := NormalizeName(l)
		if n == "" || seenLoc[Key(n)] {
			continue
		}
		seenLoc[Key(n)] = true
		out.Locations = append(out.Locations, n)
	}

	out.Roles = canonicalRoles(set.Roles, lookup)
	out.Relationships = canonicalRelationships(&out, set.Relationships, lookup)
	return out
}

func collect(set common.ExtractedEntitySet) []item {
	var items []item
	add := func(origin common.EntityKind, cands []common.Candidate) {
		for _, cand := range cands {
			name := NormalizeName(cand.Name)
			if name == "" {
				continue
			}
			forms := []string{name}
			for _, a := range cand.Aliases {
				forms = appendUnique(forms, NormalizeName(a))
			}
			items = append(items, item{origin: origin, forms: forms, spans: cand.Spans, attrs: cand.Attributes})
		}
	}
	add(common.EntityPerson, set.People)
	add(common.EntityCompany, set.Companies)
	return items
}

func (c *Canonicalizer) cluster(items []item) []*cluster {
	uf := newUnionFind(len(items))
	kinds := make([]common.EntityKind, len(items))
	for i, it := range items {
		kinds[i] = Resolve(it.origin, c.classifier.Classify(it.origin, it.forms...))
	}

	// Exact and cleaned-key equality.
	byKey := map[string]int{}
	byMatch := map[string]int{}
	for i, it := range items {
		for _, f := range it.forms {
			if j, ok := byKey[Key(f)]; ok {
				uf.union(i, j)
			} else {
				byKey[Key(f)] = i
			}
			mk := string(kinds[i]) + "|" + MatchKey(f)
			if j, ok := byMatch[mk]; ok {
				uf.union(i, j)
			} else {
				byMatch[mk] = i
			}
		}
	}

	// Partial person names ("Mr. Engelbrecht-Bresges") attach to the
	// unique full name ending with the same tokens.
	for i, it := range items {
		if kinds[i] != common.EntityPerson {
			continue
		}
		for _, f := range it.forms {
			if !isPartialForm(f) {
				continue
			}
			if j, ok := uniqueSuffixMatch(MatchKey(f), items, kinds, uf, i); ok {
				uf.union(i, j)
			}
		}
	}

	// Fuzzy equality within a kind.
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			if kinds[i] != kinds[j] || uf.find(i) == uf.find(j) {
				continue
			}
			if c.anySimilar(items[i].forms, items[j].forms) {
				uf.union(i, j)
			}
		}
	}

	var clusters []*cluster
	index := map[int]*cluster{}
	for i := range items {
		root := uf.find(i)
		cl, ok := index[root]
		if !ok {
			cl = &cluster{}
			index[root] = cl
			clusters = append(clusters, cl)
		}
		cl.members = append(cl.members, i)
		for _, f := range items[i].forms {
			cl.forms = appendUnique(cl.forms, f)
		}
	}

	for _, cl := range clusters {
		origin := items[cl.members[0]].origin
		cl.hint = c.classifier.Classify(origin, cl.forms...)
		cl.kind = Resolve(origin, cl.hint)
		cl.name = chooseCanonical(cl.forms, cl.kind)
		cl.aliases = []string{cl.name}
		for _, f := range cl.forms {
			cl.aliases = appendUnique(cl.aliases, f)
		}
	}
	return clusters
}

func (c *Canonicalizer) anySimilar(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if Similarity(x, y) >= c.threshold {
				return true
			}
		}
	}
	return false
}

// isPartialForm reports whether a person form is likely a surname-only
// reference: it carried an honorific or consists of a single token.
func isPartialForm(f string) bool {
	_, hadHonorific := StripHonorifics(f)
	return hadHonorific || len(strings.Fields(f)) == 1
}

func uniqueSuffixMatch(partial string, items []item, kinds []common.EntityKind, uf *unionFind, self int) (int, bool) {
	if partial == "" {
		return 0, false
	}
	found := -1
	for j, it := range items {
		if kinds[j] != common.EntityPerson || uf.find(j) == uf.find(self) {
			continue
		}
		for _, f := range it.forms {
			full := MatchKey(f)
			if len(full) > len(partial) && strings.HasSuffix(full, " "+partial) {
				if found >= 0 && uf.find(found) != uf.find(j) {
					return 0, false
				}
				found = j
				break
			}
		}
	}
	return found, found >= 0
}

// cleanForm removes honorifics and inversion from person names.
func cleanForm(f string, kind common.EntityKind) string {
	if kind != common.EntityPerson {
		return f
	}
	f, _ = StripHonorifics(f)
	f, _ = Uninvert(f)
	return NormalizeName(f)
}

type formScore struct {
	noHonorific bool
	notInverted bool
	notAllCaps  bool
	tokens      int
	hyphenated  bool
}

func (s formScore) better(o formScore) bool {
	switch {
	case s.noHonorific != o.noHonorific:
		return s.noHonorific
	case s.notInverted != o.notInverted:
		return s.notInverted
	case s.notAllCaps != o.notAllCaps:
		return s.notAllCaps
	case s.tokens != o.tokens:
		return s.tokens > o.tokens
	case s.hyphenated != o.hyphenated:
		return s.hyphenated
	}
	return false
}

func score(f string, kind common.EntityKind) formScore {
	cleaned := cleanForm(f, kind)
	_, honor := StripHonorifics(f)
	_, inverted := Uninvert(f)
	if kind != common.EntityPerson {
		honor, inverted = false, false
	}
	caps := hasAllCapsToken(cleaned)
	if kind != common.EntityPerson {
		caps = isAllCaps(cleaned)
	}
	return formScore{
		noHonorific: !honor,
		notInverted: !inverted,
		notAllCaps:  !caps,
		tokens:      len(strings.Fields(strings.ReplaceAll(cleaned, "-", " "))),
		hyphenated:  strings.Contains(cleaned, "-"),
	}
}

// chooseCanonical picks the best surface form: no honorific, not
// inverted, not shouted in capitals, most tokens, hyphenated over spaced,
// then first seen. Person forms are returned cleaned of honorifics and
// inversion.
func chooseCanonical(forms []string, kind common.EntityKind) string {
	best := 0
	bestScore := score(forms[0], kind)
	for i := 1; i < len(forms); i++ {
		if s := score(forms[i], kind); s.better(bestScore) {
			best, bestScore = i, s
		}
	}
	return cleanForm(forms[best], kind)
}

type lookup struct {
	byKey   map[string]*cluster
	byMatch map[string]*cluster
	people  []*cluster
}

func newLookup(clusters []*cluster) *lookup {
	l := &lookup{byKey: map[string]*cluster{}, byMatch: map[string]*cluster{}}
	for _, cl := range clusters {
		for _, f := range cl.aliases {
			if _, ok := l.byKey[Key(f)]; !ok {
				l.byKey[Key(f)] = cl
			}
			if _, ok := l.byMatch[MatchKey(f)]; !ok {
				l.byMatch[MatchKey(f)] = cl
			}
		}
		if cl.kind == common.EntityPerson {
			l.people = append(l.people, cl)
		}
	}
	return l
}

// resolve finds the cluster a free-form name refers to.
func (l *lookup) resolve(name string) (*cluster, bool) {
	if name = NormalizeName(name); name == "" {
		return nil, false
	}
	if cl, ok := l.byKey[Key(name)]; ok {
		return cl, true
	}
	if cl, ok := l.byMatch[MatchKey(name)]; ok {
		return cl, true
	}
	partial := MatchKey(name)
	var found *cluster
	for _, cl := range l.people {
		for _, f := range cl.aliases {
			if strings.HasSuffix(MatchKey(f), " "+partial) {
				if found != nil && found != cl {
					return nil, false
				}
				found = cl
				break
			}
		}
	}
	return found, found != nil
}

func canonicalRoles(roles []common.Role, l *lookup) []common.Role {
	var out []common.Role
	seen := map[string]int{}
	for _, r := range roles {
		person := NormalizeName(r.PersonName)
		if person == "" {
			continue
		}
		if cl, ok := l.resolve(person); ok {
			person = cl.name
		}
		org := NormalizeName(r.OrganizationName)
		if cl, ok := l.resolve(org); ok && org != "" {
			org = cl.name
		}
		role := common.Role{
			PersonName:       person,
			Category:         r.Category,
			Title:            NormalizeName(r.Title),
			OrganizationName: org,
			Attributes:       r.Attributes,
		}
		key := strings.ToLower(strings.Join([]string{role.PersonName, role.Category, role.Title, role.OrganizationName}, "|"))
		if i, ok := seen[key]; ok {
			out[i].Attributes = MergeFirstWins(out[i].Attributes, role.Attributes)
			continue
		}
		seen[key] = len(out)
		out = append(out, role)
	}
	return out
}

func canonicalRelationships(set *common.ExtractedEntitySet, rels []common.RelationCandidate, l *lookup) []common.RelationCandidate {
	var out []common.RelationCandidate
	seen := map[string]int{}
	for _, r := range rels {
		src, okSrc := l.resolve(r.SourceName)
		tgt, okTgt := l.resolve(r.TargetName)
		switch {
		case !okSrc:
			set.Warnf("relationship %s %s -> %s dropped: unknown endpoint %q", r.Kind, r.SourceName, r.TargetName, r.SourceName)
			continue
		case !okTgt:
			set.Warnf("relationship %s %s -> %s dropped: unknown endpoint %q", r.Kind, r.SourceName, r.TargetName, r.TargetName)
			continue
		case src == tgt:
			set.Warnf("relationship %s %s -> %s dropped: self-relationship", r.Kind, r.SourceName, r.TargetName)
			continue
		}
		if r.Kind.PersonToOrganization() && src.kind == common.EntityCompany && tgt.kind == common.EntityPerson {
			src, tgt = tgt, src
		}
		rel := common.RelationCandidate{
			SourceName: src.name,
			TargetName: tgt.name,
			Kind:       r.Kind,
			Attributes: r.Attributes,
		}
		key := fmt.Sprintf("%s|%s|%s", Key(rel.SourceName), Key(rel.TargetName), rel.Kind)
		if i, ok := seen[key]; ok {
			out[i].Attributes = MergeFirstWins(out[i].Attributes, rel.Attributes)
			continue
		}
		seen[key] = len(out)
		out = append(out, rel)
	}
	return out
}

// MergeFirstWins merges src into dst. Existing scalar values win; list
// values are unioned in order. dst is copied, never mutated.
func MergeFirstWins(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		cur, ok := out[k]
		if !ok || isEmpty(cur) {
			out[k] = v
			continue
		}
		if a, ok := cur.([]any); ok {
			if b, ok := v.([]any); ok {
				out[k] = unionAny(a, b)
			}
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	}
	return false
}

func unionAny(a, b []any) []any {
	out := append([]any(nil), a...)
	for _, v := range b {
		dup := false
		for _, w := range out {
			if reflect.DeepEqual(v, w) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

func appendSpans(list, add []common.Span) []common.Span {
	for _, s := range add {
		dup := false
		for _, x := range list {
			if x == s {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, s)
		}
	}
	return list
}

// unionFind keeps the smallest index as root so cluster order follows
// first appearance.
type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
