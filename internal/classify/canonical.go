package classify

import "regexp"

var (
	reStringLiteral = regexp.MustCompile(`'(?:[^'\\]|\\.|'')*'|"(?:[^"\\]|\\.|"")*"`)
	reNumberLiteral = regexp.MustCompile(`\b\d+\.\d+\b|\b\d+\b`)
	reHexLiteral    = regexp.MustCompile(`\b0x[0-9A-Fa-f]+\b`)
)

// Canonicalize replaces literal values with "?" placeholders so that
// statements differing only in literal values collapse to the same
// canonical form, suitable for logging without leaking data values. The
// router stores it with each logged session command; nothing de-duplicates
// commands on it. Idempotent: canonicalizing an
// already-canonical statement returns it unchanged.
func Canonicalize(statement string) string {
	if statement == "" {
		return "?"
	}
	out := reStringLiteral.ReplaceAllString(statement, "?")
	out = reHexLiteral.ReplaceAllString(out, "?")
	out = reNumberLiteral.ReplaceAllString(out, "?")
	return out
}
