package graphstore

import (
	"reflect"
	"testing"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

func TestMergeAttributes(t *testing.T) {
	tests := []struct {
		name        string
		existing    map[string]any
		incoming    map[string]any
		want        map[string]any
		wantChanged bool
	}{
		{
			name:        "scalar last writer wins",
			existing:    map[string]any{"role": "CFO"},
			incoming:    map[string]any{"role": "CEO"},
			want:        map[string]any{"role": "CEO"},
			wantChanged: true,
		},
		{
			name:        "empty incoming keeps existing",
			existing:    map[string]any{"role": "CEO"},
			incoming:    map[string]any{"role": ""},
			want:        map[string]any{"role": "CEO"},
			wantChanged: false,
		},
		{
			name:        "lists are unioned",
			existing:    map[string]any{"aliases": []any{"Jane Smith"}},
			incoming:    map[string]any{"aliases": []string{"Ms. Smith", "Jane Smith"}},
			want:        map[string]any{"aliases": []any{"Jane Smith", "Ms. Smith"}},
			wantChanged: true,
		},
		{
			name:        "same input is unchanged",
			existing:    map[string]any{"start": "2019", "is_current": true},
			incoming:    map[string]any{"start": "2019", "is_current": true},
			want:        map[string]any{"start": "2019", "is_current": true},
			wantChanged: false,
		},
		{
			name:        "normalized name is fixed",
			existing:    map[string]any{"normalized_name": "acme corp"},
			incoming:    map[string]any{"normalized_name": "acme corporation"},
			want:        map[string]any{"normalized_name": "acme corp"},
			wantChanged: false,
		},
		{
			name:        "numbers compare after normalization",
			existing:    map[string]any{"employees": float64(10)},
			incoming:    map[string]any{"employees": 10},
			want:        map[string]any{"employees": float64(10)},
			wantChanged: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := MergeAttributes(tt.existing, tt.incoming)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if changed != tt.wantChanged {
				t.Fatalf("expected changed=%v, got %v", tt.wantChanged, changed)
			}
		})
	}
}

func TestAppendProvenance(t *testing.T) {
	p := common.Provenance{DocumentID: "doc-1", StagedID: "se_1"}
	list, added := AppendProvenance(nil, p)
	if !added || len(list) != 1 {
		t.Fatalf("expected provenance appended, got %v", list)
	}
	list, added = AppendProvenance(list, p)
	if added || len(list) != 1 {
		t.Fatalf("expected duplicate provenance ignored, got %v", list)
	}
}
