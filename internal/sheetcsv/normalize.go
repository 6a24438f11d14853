package sheetcsv

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeHeader canonicalizes a raw column name into a stable matching
// token: trim, lowercase, internal whitespace runs collapsed to a single
// underscore, everything outside [a-z0-9_] stripped. Idempotent; used only as
// a matching key, never for display.
func NormalizeHeader(raw string) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	token = whitespaceRun.ReplaceAllString(token, "_")
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
