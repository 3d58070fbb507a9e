package graphstore

import (
	"encoding/json"
	"reflect"
	"slices"
)

// fixedAttributes are never overwritten once set.
var fixedAttributes = map[string]bool{
	"canonical_name":  true,
	"normalized_name": true,
}

// MergeAttributes merges incoming into existing. List values are unioned
// keeping first-seen order, other values from incoming win unless they
// are empty. It reports whether the result differs from existing.
func MergeAttributes(existing, incoming map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = NormalizeValue(v)
	}
	for k, v := range incoming {
		v = NormalizeValue(v)
		if empty(v) {
			continue
		}
		cur, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		if fixedAttributes[k] {
			continue
		}
		curList, curIsList := cur.([]any)
		newList, newIsList := v.([]any)
		switch {
		case curIsList && newIsList:
			out[k] = union(curList, newList)
		case curIsList:
			out[k] = union(curList, []any{v})
		default:
			out[k] = v
		}
	}
	before := make(map[string]any, len(existing))
	for k, v := range existing {
		before[k] = NormalizeValue(v)
	}
	return out, !reflect.DeepEqual(before, out)
}

func union(a, b []any) []any {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.ContainsFunc(out, func(x any) bool { return reflect.DeepEqual(x, v) }) {
			out = append(out, v)
		}
	}
	return out
}

func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// NormalizeValue brings a value into its JSON-decoded shape so values
// read back from a backend compare equal to values written. Numbers
// become float64, typed slices and maps become []any and map[string]any.
func NormalizeValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// NormalizeAttributes applies NormalizeValue to every value.
func NormalizeAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = NormalizeValue(v)
	}
	return out
}

// AppendProvenance adds p unless it is already listed.
func AppendProvenance[T comparable](list []T, p T) ([]T, bool) {
	if slices.Contains(list, p) {
		return list, false
	}
	return append(slices.Clone(list), p), true
}
