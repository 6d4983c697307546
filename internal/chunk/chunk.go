// Package chunk splits long specifications into prompt-sized pieces.
package chunk

import "unicode"

// breaks lists separators in order of preference. A chunk always ends just
// after its separator, so concatenating the chunks restores the input.
var breaks = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
}

var sentenceEnds = [][]rune{
	[]rune(". "),
	[]rune("! "),
	[]rune("? "),
}

// Split returns text cut into ordered chunks of at most budget runes each.
// Text within the budget comes back as a single chunk; anything longer
// yields at least two. Cuts prefer a paragraph break, then a line break,
// then a sentence end, then any whitespace, and only then fall back to a
// hard cut; no chunk but the last is cut below half the budget.
// budget <= 0 means no limit.
func Split(text string, budget int) []string {
	runes := []rune(text)
	if budget <= 0 || len(runes) <= budget {
		return []string{text}
	}

	var out []string
	rest := runes
	for len(rest) > budget {
		cut := cutPoint(rest[:budget])
		out = append(out, string(rest[:cut]))
		rest = rest[cut:]
	}
	if len(rest) > 0 {
		out = append(out, string(rest))
	}
	return out
}

// cutPoint returns the length of the next chunk taken from window. A
// separator only counts when it leaves the chunk at least half full;
// otherwise the next kind is tried, and with none left the window is cut
// hard.
func cutPoint(window []rune) int {
	minFill := max(len(window)/2, 1)
	for _, sep := range breaks {
		if n := lastAfter(window, sep); n >= minFill {
			return n
		}
	}
	best := 0
	for _, sep := range sentenceEnds {
		best = max(best, lastAfter(window, sep))
	}
	if best >= minFill {
		return best
	}
	for i := len(window) - 1; i >= minFill-1 && i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}

// lastAfter returns the index just past the last occurrence of sep in
// window, or 0 when sep does not occur.
func lastAfter(window, sep []rune) int {
	for i := len(window) - len(sep); i >= 0; i-- {
		match := true
		for k := range sep {
			if window[i+k] != sep[k] {
				match = false
				break
			}
		}
		if match {
			return i + len(sep)
		}
	}
	return 0
}

// Truncate returns the first n runes of text, or text itself when it is
// already short enough. n <= 0 means no limit.
func Truncate(text string, n int) string {
	if n <= 0 {
		return text
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}
