// Package text renders message templates and prepares rendered text for
// storage.
package text

// Truncate shortens text to at most max runes, appending "…" when it cut
// anything. A non-positive max returns text unchanged. Counting runes
// keeps multi-byte text such as emoji or CJK from being split mid-character.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
