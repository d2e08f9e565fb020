// Package textutil holds small pure string helpers shared by the
// pipeline's evidence snippets, the report writer, and the network
// client's post-length filter.
package textutil

// Truncate returns at most n Unicode scalar values of s, appending "…" when
// s has more than n scalars. Operates on runes, never bytes, so a multi-byte
// scalar is never split.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// ScalarLen returns the number of Unicode scalar values in s.
func ScalarLen(s string) int {
	return len([]rune(s))
}
