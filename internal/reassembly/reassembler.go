// Package reassembly rebuilds the display text of a streamed answer on the
// client side and tracks the conversation entries shown to the user.
package reassembly

import (
	"errors"
	"strings"
	"sync"

	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/textnorm"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAwaiting  Phase = "awaiting"
	PhaseStreaming Phase = "streaming"
	PhaseDone      Phase = "done"
	PhaseError     Phase = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

const (
	PlaceholderText = "Preparing an answer..."
	EmptyAnswerText = "(empty response)"
	errorMark       = "⚠️ "
)

// ErrBusy is returned when a new exchange starts while one is still streaming.
var ErrBusy = errors.New("an answer is still streaming")

// Entry is one line of the conversation. Placeholder marks the assistant entry
// shown before the first fragment arrives.
type Entry struct {
	Role        Role   `json:"role"`
	Text        string `json:"text"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Reassembler is safe for concurrent use; typically one goroutine feeds frames
// while another renders.
type Reassembler struct {
	mu            sync.Mutex
	phase         Phase
	entries       []Entry
	active        int
	pendingMarker string
}

func New() *Reassembler {
	return &Reassembler{phase: PhaseIdle, active: -1}
}

// Begin records the user message and shows the placeholder answer.
func (r *Reassembler) Begin(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseAwaiting || r.phase == PhaseStreaming {
		return ErrBusy
	}
	r.entries = append(r.entries,
		Entry{Role: RoleUser, Text: message},
		Entry{Role: RoleAssistant, Text: PlaceholderText, Placeholder: true},
	)
	r.active = len(r.entries) - 1
	r.pendingMarker = ""
	r.phase = PhaseAwaiting
	return nil
}

// Fragment adds one message payload. A bare list marker is held until its body
// arrives so the two are never shown apart.
func (r *Reassembler) Fragment(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.receivingLocked() || text == "" {
		return
	}
	if textnorm.IsOrphanMarker(text) {
		if r.pendingMarker != "" {
			r.appendLocked(r.pendingMarker)
		}
		r.pendingMarker = text
		return
	}
	if r.pendingMarker != "" {
		text = strings.TrimRight(r.pendingMarker, " \t") + " " + strings.TrimLeft(text, " \t")
		r.pendingMarker = ""
	}
	r.appendLocked(text)
}

// Done finishes the exchange.
func (r *Reassembler) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.receivingLocked() {
		return
	}
	r.flushMarkerLocked()
	if r.phase == PhaseAwaiting {
		r.entries[r.active] = Entry{Role: RoleAssistant, Text: EmptyAnswerText}
	}
	r.phase = PhaseDone
	r.active = -1
}

// Fail ends the exchange with a visibly marked error entry. Text that already
// streamed stays.
func (r *Reassembler) Fail(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.receivingLocked() {
		return
	}
	r.flushMarkerLocked()
	if r.phase == PhaseAwaiting {
		r.entries = r.entries[:r.active]
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "The answer could not be completed."
	}
	r.entries = append(r.entries, Entry{Role: RoleError, Text: errorMark + message})
	r.phase = PhaseError
	r.active = -1
}

// NetworkError reports a transport failure that was not a clean close.
func (r *Reassembler) NetworkError(err error) {
	msg := "Network error"
	if err != nil {
		msg += ": " + err.Error()
	}
	r.Fail(msg)
}

// Apply dispatches one wire frame. It reports whether the frame ended the
// exchange.
func (r *Reassembler) Apply(mode frame.Mode, f frame.Frame) (bool, error) {
	switch f.Name() {
	case frame.EventDone:
		r.Done()
		return true, nil
	case frame.EventError:
		p := frame.DecodeError(f)
		msg := p.Message
		if p.Details != "" {
			msg += " (" + p.Details + ")"
		}
		r.Fail(msg)
		return true, nil
	default:
		text, err := frame.DecodeToken(mode, f)
		if err != nil {
			return false, err
		}
		r.Fragment(text)
		return false, nil
	}
}

func (r *Reassembler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Loading reports whether an answer is still expected.
func (r *Reassembler) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receivingLocked()
}

// DisplayText is the text of the latest assistant answer.
func (r *Reassembler) DisplayText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.Role == RoleAssistant && !e.Placeholder {
			return e.Text
		}
		if e.Role == RoleUser {
			break
		}
	}
	return ""
}

func (r *Reassembler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Reassembler) receivingLocked() bool {
	return r.phase == PhaseAwaiting || r.phase == PhaseStreaming
}

func (r *Reassembler) appendLocked(text string) {
	if r.phase == PhaseAwaiting {
		r.entries[r.active] = Entry{Role: RoleAssistant}
		r.phase = PhaseStreaming
	}
	e := &r.entries[r.active]
	e.Text = textnorm.Display(e.Text + text)
}

func (r *Reassembler) flushMarkerLocked() {
	if r.pendingMarker == "" {
		return
	}
	marker := r.pendingMarker
	r.pendingMarker = ""
	r.appendLocked(marker)
}
