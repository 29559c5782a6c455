// Package frame encodes fragments into the downstream wire framing and parses
// that framing back on the client side.
package frame

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antoniostano/chatrelay/internal/rechunk"
)

// Mode selects the payload shape of message frames.
type Mode string

const (
	// ModeRaw carries fragment text as-is in the data field.
	ModeRaw Mode = "raw"
	// ModeStructured carries {"token": "..."} objects.
	ModeStructured Mode = "structured"
)

// ModeHeader is the response header announcing the framing mode of a stream.
const ModeHeader = "X-Frame-Mode"

func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(v))) {
	case "", ModeStructured:
		return ModeStructured, nil
	case ModeRaw:
		return ModeRaw, nil
	default:
		return "", fmt.Errorf("unsupported frame mode %q (expected raw|structured)", v)
	}
}

const (
	EventMessage = "message"
	EventDone    = "done"
	EventError   = "error"
)

// Frame is one server-push event. An empty Event means "message".
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Name returns the event name with the default applied.
func (f Frame) Name() string {
	if f.Event == "" {
		return EventMessage
	}
	return f.Event
}

// Terminal reports whether the frame ends the session.
func (f Frame) Terminal() bool {
	switch f.Name() {
	case EventDone, EventError:
		return true
	default:
		return false
	}
}

type TokenPayload struct {
	Token string `json:"token"`
}

type DonePayload struct {
	Status string `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Encoder turns fragments into frames for one framing mode.
type Encoder struct {
	mode Mode
}

func NewEncoder(mode Mode) Encoder {
	if mode != ModeRaw {
		mode = ModeStructured
	}
	return Encoder{mode: mode}
}

func (e Encoder) Mode() Mode {
	return e.mode
}

// Encode maps a fragment to its frame; the terminal fragment becomes the done
// frame.
func (e Encoder) Encode(f rechunk.Fragment) (Frame, error) {
	if f.Final {
		return e.Done(), nil
	}
	return e.Token(f.Text)
}

func (e Encoder) Token(text string) (Frame, error) {
	if e.mode == ModeRaw {
		return Frame{Event: EventMessage, Data: text}, nil
	}
	b, err := json.Marshal(TokenPayload{Token: text})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal token: %w", err)
	}
	return Frame{Event: EventMessage, Data: string(b)}, nil
}

func (e Encoder) Done() Frame {
	if e.mode == ModeRaw {
		return Frame{Event: EventDone}
	}
	return Frame{Event: EventDone, Data: `{"status":"completed"}`}
}

func (e Encoder) Error(message, details string) Frame {
	if e.mode == ModeRaw {
		return Frame{Event: EventError, Data: message}
	}
	b, err := json.Marshal(ErrorPayload{Message: message, Details: details})
	if err != nil {
		return Frame{Event: EventError, Data: message}
	}
	return Frame{Event: EventError, Data: string(b)}
}

// DecodeToken extracts fragment text from a message frame.
func DecodeToken(mode Mode, f Frame) (string, error) {
	if mode == ModeRaw {
		return f.Data, nil
	}
	if f.Data == "" {
		return "", nil
	}
	var p TokenPayload
	if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
		return "", fmt.Errorf("decode token frame: %w", err)
	}
	return p.Token, nil
}

// DecodeError reads an error frame. Structured payloads are parsed; anything else
// is taken as the message itself.
func DecodeError(f Frame) ErrorPayload {
	data := strings.TrimSpace(f.Data)
	if strings.HasPrefix(data, "{") {
		var p ErrorPayload
		if err := json.Unmarshal([]byte(data), &p); err == nil {
			return p
		}
	}
	return ErrorPayload{Message: f.Data}
}
