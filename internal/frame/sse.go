package frame

import (
	"bufio"
	"io"
	"strings"
)

// AppendSSE appends the event-stream encoding of f to dst. Multi-line data is
// written as one data field per line; a bare CR counts as a line break.
func AppendSSE(dst []byte, f Frame) []byte {
	if f.Event != "" && f.Event != EventMessage {
		dst = append(dst, "event: "...)
		dst = append(dst, f.Event...)
		dst = append(dst, '\n')
	}
	data := strings.ReplaceAll(f.Data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	for _, line := range strings.Split(data, "\n") {
		dst = append(dst, "data: "...)
		dst = append(dst, line...)
		dst = append(dst, '\n')
	}
	return append(dst, '\n')
}

// MarshalSSE returns the event-stream encoding of f.
func (f Frame) MarshalSSE() []byte {
	return AppendSSE(nil, f)
}

// WriteSSE writes one frame.
func WriteSSE(w io.Writer, f Frame) error {
	_, err := w.Write(f.MarshalSSE())
	return err
}

// WriteComment writes an event-stream comment, used as a keepalive.
func WriteComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}

// Reader parses an event stream into frames.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next dispatched frame, or io.EOF once the stream ends.
// Comments, id and retry fields are skipped. Unlike a browser EventSource, a
// frame whose data is empty is still returned as long as it had a field. A frame
// cut off by the end of the stream is discarded.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		sawLine bool
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if !sawLine {
				continue
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
			sawLine = true
		case "data":
			data = append(data, value)
			sawLine = true
		}
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
