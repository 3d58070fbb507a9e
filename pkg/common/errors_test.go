package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(InvalidTransition, "staged item %s is rejected", "se_1"))

	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected errors.Is to match ErrInvalidTransition, got %v", err)
	}
	if errors.Is(err, ErrDuplicateConflict) {
		t.Fatalf("expected errors.Is not to match ErrDuplicateConflict")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"typed", NewError(LLMParseError, "bad json"), LLMParseError},
		{"wrapped", fmt.Errorf("x: %w", NewError(StoreUnavailable, "down")), StoreUnavailable},
		{"canceled", context.Canceled, Cancelled},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Timeout},
		{"foreign", errors.New("boom"), CorruptState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCategories(t *testing.T) {
	if !LLMUnavailable.Transient() || !Timeout.Transient() || !StoreUnavailable.Transient() {
		t.Fatalf("expected LLMUnavailable, Timeout and StoreUnavailable to be transient")
	}
	if !CorruptState.Fatal() || !PermissionDenied.Fatal() {
		t.Fatalf("expected CorruptState and PermissionDenied to be fatal")
	}
	if UnresolvedEndpoint.Category() != CategoryData {
		t.Fatalf("expected data category, got %s", UnresolvedEndpoint.Category())
	}
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := WrapError(StoreUnavailable, errors.New("conn refused"), "insert").WithPhase("stage").WithDocument("doc-1")
	want := "StoreUnavailable [stage] document=doc-1: insert: conn refused"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if FromContext(ctx, "x") != nil {
		t.Fatalf("expected nil for live context")
	}
	cancel()
	if got := FromContext(ctx, "x"); got == nil || got.Kind != Cancelled {
		t.Fatalf("expected Cancelled, got %v", got)
	}
}

func TestParseRelationKind(t *testing.T) {
	tests := map[string]RelationKind{
		"board membership": BoardMembership,
		"BOARD_MEMBERSHIP": BoardMembership,
		"employment":       Employment,
		" Leadership ":     Leadership,
	}
	for in, want := range tests {
		got, ok := ParseRelationKind(in)
		if !ok || got != want {
			t.Fatalf("expected %s for %q, got %s (%v)", want, in, got, ok)
		}
	}
	if _, ok := ParseRelationKind("friendship"); ok {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestChunkBodyStripsOverlap(t *testing.T) {
	c := Chunk{Text: "abcdef", Overlap: 2}
	if c.Body() != "cdef" {
		t.Fatalf("expected cdef, got %q", c.Body())
	}
}

func TestDescribe(t *testing.T) {
	err := fmt.Errorf("stage: %w", WrapError(StoreUnavailable, errors.New("conn refused"), "insert").WithPhase(PhaseStaging).WithDocument("doc-1"))
	got := Describe(err)
	want := ErrorInfo{Kind: StoreUnavailable, Phase: PhaseStaging, DocumentID: "doc-1", Detail: "insert: conn refused"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if info := Describe(errors.New("boom")); info.Kind != CorruptState || info.Detail != "boom" {
		t.Fatalf("expected CorruptState boom, got %+v", info)
	}
}
