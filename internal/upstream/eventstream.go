package upstream

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/antoniostano/chatrelay/internal/frame"
)

// eventTextReader exposes the text carried by an upstream event stream as a
// plain byte stream, so the rechunker never sees the upstream framing.
type eventTextReader struct {
	frames  *frame.Reader
	pending []byte
	err     error
}

func newEventTextReader(r io.Reader) *eventTextReader {
	return &eventTextReader{frames: frame.NewReader(r)}
}

func (r *eventTextReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		f, err := r.frames.Next()
		if err != nil {
			r.err = err
			continue
		}
		switch f.Name() {
		case frame.EventDone:
			r.err = io.EOF
			continue
		case frame.EventError:
			r.err = errors.Errorf("upstream stream error: %s", frame.DecodeError(f).Message)
			continue
		}
		data := f.Data
		if strings.TrimSpace(data) == "[DONE]" {
			r.err = io.EOF
			continue
		}
		r.pending = []byte(extractDelta(data))
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// extractDelta reduces a JSON payload to its text field; non-JSON data is the
// text itself.
func extractDelta(data string) string {
	trimmed := strings.TrimSpace(data)
	if !strings.HasPrefix(trimmed, "{") {
		return data
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return data
	}
	for _, k := range []string{"text", "delta", "token", "content", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
