package boundary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindBoundaryEmpty(t *testing.T) {
	_, ok := FindBoundary("")
	require.False(t, ok)
}

func TestFindBoundaryKeepsListMarkerWithBody(t *testing.T) {
	buf := "1. first item\n2. second item\n"
	cut, ok := FindBoundary(buf)
	require.True(t, ok)
	assert.Equal(t, "1. first item\n", buf[:cut])
	assert.Equal(t, "2. second item\n", buf[cut:])
}

func TestFindBoundaryHoldsTrailingMarker(t *testing.T) {
	buf := "first item\n2. "
	cut, ok := FindBoundary(buf)
	require.True(t, ok)
	assert.Equal(t, "first item\n", buf[:cut])

	_, ok = FindBoundary("2. ")
	assert.False(t, ok, "a bare marker has no safe cut")
}

func TestFindBoundarySkipsCutDirectlyAfterMarker(t *testing.T) {
	buf := "2. second item"
	cut, ok := FindBoundary(buf)
	require.True(t, ok)
	assert.Equal(t, "2. second ", buf[:cut])
}

func TestFindBoundarySeparatorPriority(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "newline beats sentence", in: "one. two\nthree. four", want: "one. two\n"},
		{name: "sentence beats comma", in: "a, b. c, d", want: "a, b. "},
		{name: "exclamation", in: "wow! that", want: "wow! "},
		{name: "question", in: "why? because", want: "why? "},
		{name: "semicolon beats space", in: "x; y z", want: "x; "},
		{name: "space", in: "hello wor", want: "hello "},
		{name: "decimal is not a sentence end", in: "pi is 3.14", want: "pi is "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cut, ok := FindBoundary(tc.in)
			require.True(t, ok)
			assert.Equal(t, tc.want, tc.in[:cut])
		})
	}
}

func TestFindBoundaryNoSeparatorASCII(t *testing.T) {
	_, ok := FindBoundary("supercalifragilistic")
	assert.False(t, ok)
}

func TestClassifyRuneTail(t *testing.T) {
	buf := "안녕하세요"
	c := Classify(buf)
	require.True(t, c.OK())
	assert.Equal(t, KindRuneTail, c.Kind)
	assert.Equal(t, "안녕하세", buf[:c.Index])

	c = Classify("요")
	assert.False(t, c.OK(), "a single rune cannot be cut")
}

func TestClassifyKinds(t *testing.T) {
	assert.Equal(t, KindListItem, Classify("a\n3. b").Kind)
	assert.Equal(t, KindSeparator, Classify("a b").Kind)
	assert.Equal(t, KindNone, Classify("ab").Kind)
	assert.Equal(t, "separator", KindSeparator.String())
}

func TestMarkerLen(t *testing.T) {
	assert.Equal(t, 3, MarkerLen("2. body"))
	assert.Equal(t, 4, MarkerLen("12. "))
	assert.Equal(t, 2, MarkerLen("2."))
	assert.Equal(t, 0, MarkerLen("2.5 million"))
	assert.Equal(t, 0, MarkerLen(". x"))
	assert.Equal(t, 0, MarkerLen("x2. "))
}

func TestEndsWithMarker(t *testing.T) {
	assert.True(t, EndsWithMarker("intro\n2. "))
	assert.True(t, EndsWithMarker("  3."))
	assert.False(t, EndsWithMarker("version 2. "))
	assert.False(t, EndsWithMarker("2. body"))
}
