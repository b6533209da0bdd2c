package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalize lowercases s, folds German umlauts (ae/oe/ue/ss) and collapses
// whitespace runs into single spaces. The returned offsets slice maps every
// byte of the normalized string back to the byte offset in the original
// string of the rune that produced it, so evidence snippets can be sliced
// from the untouched source text. Normalize is idempotent on its own output.
func Normalize(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	offsets := make([]int, 0, len(s))
	pendingSpace := false
	wroteAny := false

	for i, r := range s {
		if unicode.IsSpace(r) {
			if wroteAny {
				pendingSpace = true
			}
			continue
		}

		var repl string
		switch r {
		case 'ä', 'Ä':
			repl = "ae"
		case 'ö', 'Ö':
			repl = "oe"
		case 'ü', 'Ü':
			repl = "ue"
		case 'ß':
			repl = "ss"
		default:
			repl = string(unicode.ToLower(r))
		}

		if pendingSpace {
			b.WriteByte(' ')
			offsets = append(offsets, i)
			pendingSpace = false
		}
		b.WriteString(repl)
		for j := 0; j < len(repl); j++ {
			offsets = append(offsets, i)
		}
		wroteAny = true
	}

	return b.String(), offsets
}

// snippetAt slices the original text around a match found in the normalized
// form. start and length address the normalized string; offsets is the map
// produced by Normalize. The window extends 80 bytes to each side, snapped
// to rune boundaries, with inner whitespace collapsed.
func snippetAt(original string, offsets []int, start, length int) string {
	if start < 0 || start >= len(offsets) {
		return ""
	}
	origStart := offsets[start]
	endIdx := start + length - 1
	if endIdx >= len(offsets) {
		endIdx = len(offsets) - 1
	}
	origEnd := offsets[endIdx] + 1

	lo := origStart - snippetRadius
	if lo < 0 {
		lo = 0
	}
	hi := origEnd + snippetRadius
	if hi > len(original) {
		hi = len(original)
	}
	for lo > 0 && !utf8.RuneStart(original[lo]) {
		lo--
	}
	for hi < len(original) && !utf8.RuneStart(original[hi]) {
		hi++
	}
	return strings.Join(strings.Fields(original[lo:hi]), " ")
}

const snippetRadius = 80
