package util

import "testing"

func TestSanitizePostgresText(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"Jane Smith leads Acme Corp.", "Jane Smith leads Acme Corp."},
		{"Acme\x00 Corp", "Acme Corp"},
		{string([]byte{'A', 0xff, 'c', 'm', 'e'}), "Acme"},
		{"Zoë Müller", "Zoë Müller"},
	}
	for _, tt := range tests {
		if got := SanitizePostgresText(tt.input); got != tt.want {
			t.Fatalf("%q: expected %q, got %q", tt.input, tt.want, got)
		}
	}
}
