package ai

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

var codeFenceRe = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?\\s*```$")

// StripCodeFence removes a single Markdown code fence wrapping the whole
// input, e.g. "```json\n{...}\n```". Anything else is returned trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// GenerateSchema creates a JSON Schema from the given Go type.
// It uses reflection to inspect the type structure and generates
// a schema suitable for use with AI structured output.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// UnmarshalFlexible decodes a model answer that is almost JSON. Candidates
// are tried in order: the unfenced text, the text of a double-encoded JSON
// string, and finally the jsonrepair output of the last candidate after a
// duplicated opening brace is dropped. Failures are SchemaViolation errors.
//
// Use it for free-form helper answers only. Extraction output is parsed
// strictly.
func UnmarshalFlexible(input string, out any) error {
	text := StripCodeFence(input)
	if json.Unmarshal([]byte(text), out) == nil {
		return nil
	}

	var inner string
	if json.Unmarshal([]byte(text), &inner) == nil {
		text = strings.TrimSpace(inner)
		if json.Unmarshal([]byte(text), out) == nil {
			return nil
		}
	}

	if rest := strings.TrimSpace(strings.TrimPrefix(text, "{")); strings.HasPrefix(rest, "{") {
		text = rest
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return common.WrapError(common.SchemaViolation, err, "unrepairable model output %q", truncate(text, 200))
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return common.WrapError(common.SchemaViolation, err, "model output does not match %T: %q", out, truncate(repaired, 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
