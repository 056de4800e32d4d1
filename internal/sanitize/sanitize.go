// Package sanitize derives safe backend resource names (SQL table names,
// Redis key segments) from user-supplied inbox names.
package sanitize

import "strings"

// Identifier lowercases name, replaces any character outside [a-z0-9_]
// with '_', prepends '_' if the first character is a digit, and
// truncates to maxLen. It is idempotent: Identifier(Identifier(x)) == Identifier(x).
func Identifier(name string, maxLen int) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}
