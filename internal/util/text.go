package util

import (
	"strings"
	"unicode/utf8"
)

// SanitizePostgresText drops the bytes Postgres rejects in text columns:
// NUL and invalid UTF-8 sequences. Extracted document text carries both.
func SanitizePostgresText(value string) string {
	if strings.IndexByte(value, 0) < 0 && utf8.ValidString(value) {
		return value
	}
	return strings.ReplaceAll(strings.ToValidUTF8(value, ""), "\x00", "")
}
