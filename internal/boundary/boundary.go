// Package boundary picks safe cut points in streamed text.
package boundary

import (
	"strings"
	"unicode/utf8"
)

// separators are tried in priority order; for each one the last occurrence wins.
var separators = []string{"\n", ". ", "! ", "? ", ", ", "; ", " "}

// Kind tells which rule produced a Cut.
type Kind int

const (
	KindNone Kind = iota
	KindListItem
	KindSeparator
	// KindRuneTail only guarantees the cut is not inside a character; it may
	// still split a word.
	KindRuneTail
)

func (k Kind) String() string {
	switch k {
	case KindListItem:
		return "list_item"
	case KindSeparator:
		return "separator"
	case KindRuneTail:
		return "rune_tail"
	default:
		return "none"
	}
}

// Cut is a classified cut point. Index is a byte offset into the classified text.
type Cut struct {
	Index int
	Kind  Kind
}

// OK reports whether the cut leaves a non-empty head.
func (c Cut) OK() bool {
	return c.Kind != KindNone && c.Index > 0
}

// FindBoundary returns the byte offset at which buf can be cut without splitting
// a word, a multi-byte character or a numbered-list marker. The text before the
// offset is safe to emit. ok is false when no such offset exists yet.
func FindBoundary(buf string) (cut int, ok bool) {
	c := Classify(buf)
	return c.Index, c.OK()
}

// Classify is FindBoundary with the rule that matched.
func Classify(buf string) Cut {
	if buf == "" {
		return Cut{}
	}

	if idx := lastListItemStart(buf); idx > 0 {
		return Cut{Index: idx, Kind: KindListItem}
	}

	for _, sep := range separators {
		if idx := lastSeparatorCut(buf, sep); idx > 0 {
			return Cut{Index: idx, Kind: KindSeparator}
		}
	}

	if idx, ok := runeTailCut(buf); ok {
		return Cut{Index: idx, Kind: KindRuneTail}
	}
	return Cut{}
}

// lastListItemStart returns the offset just past the newline that opens the last
// "N. " marker in buf, so the marker travels with its item body.
func lastListItemStart(buf string) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == '\n' && MarkerLen(buf[i+1:]) > 0 {
			return i + 1
		}
	}
	return -1
}

// lastSeparatorCut scans backward for sep and returns the offset just after it.
// Cuts that would leave a line-start list marker without its body are skipped.
func lastSeparatorCut(buf, sep string) int {
	end := len(buf)
	for {
		idx := strings.LastIndex(buf[:end], sep)
		if idx < 0 {
			return -1
		}
		cut := idx + len(sep)
		if !EndsWithMarker(buf[:cut]) {
			return cut
		}
		end = idx
	}
}

// runeTailCut handles text without any separator, e.g. CJK runs. The last
// multi-byte rune is held back; anything else waits for more data.
func runeTailCut(buf string) (int, bool) {
	r, size := utf8.DecodeLastRuneInString(buf)
	if r == utf8.RuneError || size < 2 {
		return 0, false
	}
	cut := len(buf) - size
	if cut <= 0 {
		return 0, false
	}
	return cut, true
}

// EndsWithMarker reports whether the last line of s is nothing but a numbered
// list marker ("2." or "2. "), ignoring indentation.
func EndsWithMarker(s string) bool {
	line := s
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		line = s[i+1:]
	}
	line = strings.TrimLeft(line, " \t")
	n := MarkerLen(line)
	return n > 0 && n == len(line)
}

// MarkerLen returns the length of a leading "digits." marker including at most
// one following space, or 0 when s does not start with one. A marker followed by
// anything other than a space or the end of s ("2.5") is not a marker.
func MarkerLen(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) || s[i] != '.' {
		return 0
	}
	i++
	switch {
	case i == len(s):
		return i
	case s[i] == ' ':
		return i + 1
	default:
		return 0
	}
}
