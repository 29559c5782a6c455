// Package textnorm holds the text clean-ups shared by the server-side rechunker,
// the client reassembler and the buffered markdown endpoint.
package textnorm

import (
	"regexp"
	"strings"
)

var (
	// A list marker that does not sit at a line start, e.g. "intro 2. item".
	inlineMarkerPattern = regexp.MustCompile(`([^\n\d])(\d+\. )`)
	// A line-start marker directly followed by one or more line breaks.
	emptyItemPattern = regexp.MustCompile(`(?m)^([ \t]*\d+)\.[ \t]*\n+`)
	// A marker followed by blank lines anywhere in the text.
	markerBlankLinesPattern = regexp.MustCompile(`(\d+)\.[ \t]*\n(?:[ \t]*\n)+`)
	excessNewlinesPattern   = regexp.MustCompile(`\n{3,}`)
	orphanMarkerPattern     = regexp.MustCompile(`^\d+\.\s*$`)
)

// BreakBeforeMarkers inserts a newline before every "N. " marker that is not
// already at a line start. Markers preceded by a space lose that space.
func BreakBeforeMarkers(s string) string {
	out := inlineMarkerPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := inlineMarkerPattern.FindStringSubmatch(m)
		prefix := sub[1]
		if prefix == " " || prefix == "\t" {
			return "\n" + sub[2]
		}
		if !isMarkerBoundary(prefix) {
			return m
		}
		return prefix + "\n" + sub[2]
	})
	return out
}

// isMarkerBoundary reports whether a non-space rune preceding "N. " ends a
// sentence, so the marker can be treated as a new list item.
func isMarkerBoundary(prev string) bool {
	switch prev {
	case ".", ":", "!", "?", ")":
		return true
	default:
		return false
	}
}

// Display normalizes accumulated display text: an empty list item ("2." followed
// by a line break) is joined with its body and runs of three or more newlines are
// collapsed to a blank line.
func Display(s string) string {
	s = emptyItemPattern.ReplaceAllString(s, "$1. ")
	return excessNewlinesPattern.ReplaceAllString(s, "\n\n")
}

// Markdown normalizes a complete response for one-shot rendering.
func Markdown(s string) string {
	s = markerBlankLinesPattern.ReplaceAllString(s, "$1. ")
	s = BreakBeforeMarkers(s)
	s = excessNewlinesPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// IsOrphanMarker reports whether s is nothing but a numbered-list marker, e.g.
// "2." or " 3. ", waiting for its item body.
func IsOrphanMarker(s string) bool {
	return orphanMarkerPattern.MatchString(strings.TrimSpace(s))
}
