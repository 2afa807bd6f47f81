package status

import "unicode/utf8"

// Ellipsis marks truncated text.
const Ellipsis = "..."

// Length returns the display length of s in characters.
func Length(s string) int { return utf8.RuneCountInString(s) }

// TruncateHead keeps the beginning of s so the result is at most max
// characters, ending with Ellipsis when anything was dropped.
func TruncateHead(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if Length(s) <= max {
		return s
	}
	if max <= len(Ellipsis) {
		return Ellipsis[:max]
	}
	r := []rune(s)
	return string(r[:max-len(Ellipsis)]) + Ellipsis
}

// TruncateTail keeps the end of s so the result is at most max characters,
// starting with Ellipsis when anything was dropped.
func TruncateTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if Length(s) <= max {
		return s
	}
	if max <= len(Ellipsis) {
		return Ellipsis[:max]
	}
	r := []rune(s)
	return Ellipsis + string(r[len(r)-(max-len(Ellipsis)):])
}
