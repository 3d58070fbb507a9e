package util

import (
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "7")
	t.Setenv("TEST_BAD_INT", "seven")
	t.Setenv("TEST_FLOAT", "0.92")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_SECONDS", "45")
	t.Setenv("TEST_BLANK", "  ")

	if got := GetEnvInt("TEST_INT", 1); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := GetEnvInt("TEST_BAD_INT", 1); got != 1 {
		t.Fatalf("expected default 1, got %d", got)
	}
	if got := GetEnvFloat("TEST_FLOAT", 0); got != 0.92 {
		t.Fatalf("expected 0.92, got %v", got)
	}
	if !GetEnvBool("TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	if got := GetEnvSeconds("TEST_SECONDS", time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s, got %v", got)
	}
	if got := GetEnvString("TEST_BLANK", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := GetEnvString("TEST_MISSING_KEY", "x"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}
