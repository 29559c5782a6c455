package rechunk

import (
	"strings"
	"unicode/utf8"
)

// utf8Carry turns raw reads into valid UTF-8 text. A multi-byte sequence cut by
// a read boundary is held back until the next read completes it; bytes that can
// never form a valid sequence are withheld and counted.
type utf8Carry struct {
	tail      []byte
	anomalies int
}

func (c *utf8Carry) decode(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(c.tail)+len(p))
	buf = append(buf, c.tail...)
	buf = append(buf, p...)
	c.tail = nil

	n := completePrefixLen(buf)
	if n < len(buf) {
		c.tail = append([]byte(nil), buf[n:]...)
	}

	text := buf[:n]
	if utf8.Valid(text) {
		return string(text)
	}
	c.anomalies++
	return strings.ToValidUTF8(string(text), "")
}

// pending reports the number of bytes still waiting for a continuation.
func (c *utf8Carry) pending() int {
	return len(c.tail)
}

// discard drops a tail that can no longer be completed.
func (c *utf8Carry) discard() int {
	n := len(c.tail)
	if n > 0 {
		c.anomalies++
	}
	c.tail = nil
	return n
}

// completePrefixLen returns the length of the longest prefix of b that does not
// end inside an incomplete multi-byte sequence.
func completePrefixLen(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
