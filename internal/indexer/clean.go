package indexer

import (
	"strings"
	"unicode"
)

// CleanText normalizes section text extracted from papers: control characters are
// dropped, words hyphenated across a line break are joined, and whitespace runs
// collapse to a single space.
func CleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	runes := []rune(text)
	pendingSpace := false
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '-' && i > 0 && unicode.IsLetter(runes[i-1]) {
			if j := skipLineBreak(runes, i+1); j > 0 && j < len(runes) && unicode.IsLower(runes[j]) {
				i = j - 1
				continue
			}
		}
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsControl(r), r == '\u00ad':
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// skipLineBreak returns the index after horizontal space, one newline and the
// indentation following it, or -1 when runes[i:] does not start that way.
func skipLineBreak(runes []rune, i int) int {
	for i < len(runes) && (runes[i] == ' ' || runes[i] == '\t') {
		i++
	}
	if i < len(runes) && runes[i] == '\r' {
		i++
	}
	if i >= len(runes) || runes[i] != '\n' {
		return -1
	}
	i++
	for i < len(runes) && (runes[i] == ' ' || runes[i] == '\t') {
		i++
	}
	return i
}
