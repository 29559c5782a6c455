// Package rechunk re-segments an upstream byte stream into display-ready
// fragments that never split a word, a character or a list marker.
package rechunk

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/antoniostano/chatrelay/internal/boundary"
	"github.com/antoniostano/chatrelay/internal/textnorm"
)

// ErrClosed is returned for input that arrives after the stream was finished or
// the rechunker was closed.
var ErrClosed = errors.New("rechunker closed")

// Trigger records why a fragment was emitted.
type Trigger string

const (
	TriggerBoundary Trigger = "boundary"
	TriggerSize     Trigger = "size"
	TriggerTimer    Trigger = "timer"
	TriggerDrain    Trigger = "drain"
	TriggerDone     Trigger = "done"
)

// Fragment is one emitted unit of text. The terminal fragment has Final set and
// carries no text.
type Fragment struct {
	Seq     int
	Text    string
	Final   bool
	Trigger Trigger
}

// EmitFunc receives fragments in emission order. A non-nil error is sticky: the
// rechunker stops emitting and reports it from every later call.
type EmitFunc func(Fragment) error

// Config tunes the flush policy.
type Config struct {
	// MinChars is the buffered size, in characters, that triggers a flush
	// attempt even without a boundary.
	MinChars int
	// HardCap is the size above which the whole buffer is emitted when no
	// boundary exists.
	HardCap int
	// FlushDelay bounds how long buffered text may wait for more input.
	FlushDelay time.Duration
	// Normalize strips whitespace at the stream edges and moves embedded list
	// markers onto their own line. When false, emission is lossless.
	Normalize bool
}

func DefaultConfig() Config {
	return Config{
		MinChars:   24,
		HardCap:    60,
		FlushDelay: 80 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MinChars <= 0 {
		c.MinChars = def.MinChars
	}
	if c.HardCap < c.MinChars {
		c.HardCap = c.MinChars
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = def.FlushDelay
	}
	return c
}

// Stats summarizes one rechunker's lifetime.
type Stats struct {
	Fragments int
	Bytes     int
	Anomalies int
	ByTrigger map[Trigger]int
}

// Rechunker accumulates upstream bytes and decides when to emit. It is safe for
// the reader loop and the flush timer to call into it concurrently; emissions
// are serialized in arrival order.
type Rechunker struct {
	cfg  Config
	emit EmitFunc
	log  zerolog.Logger

	mu       sync.Mutex
	carry    utf8Carry
	pending  string
	deferred string
	timer    *time.Timer
	timerGen uint64
	seq      int
	done     bool
	closed   bool
	err      error
	stats    Stats
}

type Option func(*Rechunker)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Rechunker) {
		r.log = log
	}
}

func New(cfg Config, emit EmitFunc, opts ...Option) *Rechunker {
	r := &Rechunker{
		cfg:   cfg.normalized(),
		emit:  emit,
		log:   zerolog.Nop(),
		stats: Stats{ByTrigger: make(map[Trigger]int)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnData appends one upstream read. A flush is attempted once the buffer reaches
// MinChars or holds a word or list boundary; otherwise the flush timer is armed.
func (r *Rechunker) OnData(segment []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done || r.closed {
		return ErrClosed
	}
	if r.err != nil {
		return r.err
	}

	before := r.carry.anomalies
	r.pending += r.carry.decode(segment)
	if r.carry.anomalies > before {
		r.log.Warn().Int("segment_bytes", len(segment)).Msg("withheld invalid utf-8 bytes")
	}
	if r.pending == "" {
		return nil
	}

	cut := boundary.Classify(r.pending)
	strong := cut.OK() && cut.Kind != boundary.KindRuneTail
	if strong || utf8.RuneCountInString(r.pending) >= r.cfg.MinChars {
		for r.flushLocked(false, TriggerBoundary) {
			if r.err != nil || utf8.RuneCountInString(r.pending) <= r.cfg.HardCap {
				break
			}
		}
	}
	if r.err != nil {
		return r.err
	}

	if r.timer == nil && r.pending != "" {
		r.armTimerLocked()
	}
	return nil
}

// OnTimeout force-flushes whatever is buffered. The timer calls it; callers may
// too.
func (r *Rechunker) OnTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTimeoutLocked()
}

func (r *Rechunker) onTimeoutLocked() {
	r.cancelTimerLocked()
	if r.done || r.closed || r.err != nil || r.pending == "" {
		return
	}
	r.flushLocked(true, TriggerTimer)
	// A boundary cut can leave a tail behind; keep it moving.
	if r.err == nil && r.pending != "" {
		r.armTimerLocked()
	}
}

// OnUpstreamDone drains the buffer with forced flushes, then emits the terminal
// fragment. Any later OnData fails with ErrClosed.
func (r *Rechunker) OnUpstreamDone() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done || r.closed {
		return ErrClosed
	}
	r.done = true
	r.cancelTimerLocked()

	if n := r.carry.discard(); n > 0 {
		r.log.Warn().Int("bytes", n).Msg("dropped incomplete utf-8 sequence at end of stream")
	}
	for r.err == nil && r.pending != "" {
		r.flushLocked(true, TriggerDrain)
	}
	r.deferred = ""
	if r.err != nil {
		return r.err
	}

	r.emitLocked(Fragment{Final: true, Trigger: TriggerDone})
	return r.err
}

// Close stops the timer and rejects further input. It is idempotent and safe to
// call after OnUpstreamDone.
func (r *Rechunker) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cancelTimerLocked()
}

// Pending returns the buffered, not yet emitted text.
func (r *Rechunker) Pending() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// TimerPending reports whether a flush timer is armed.
func (r *Rechunker) TimerPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Rechunker) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.Anomalies = r.carry.anomalies
	out.ByTrigger = make(map[Trigger]int, len(r.stats.ByTrigger))
	for k, v := range r.stats.ByTrigger {
		out.ByTrigger[k] = v
	}
	return out
}

// flushLocked emits at most one fragment and reports whether the buffer shrank.
func (r *Rechunker) flushLocked(force bool, why Trigger) bool {
	if r.pending == "" {
		return false
	}

	var head string
	if cut := boundary.Classify(r.pending); cut.OK() {
		head, r.pending = r.pending[:cut.Index], r.pending[cut.Index:]
	} else if force || utf8.RuneCountInString(r.pending) > r.cfg.HardCap {
		head, r.pending = r.pending, ""
		if !force {
			why = TriggerSize
		}
	} else {
		return false
	}

	text := head
	if r.cfg.Normalize {
		text = r.normalizeLocked(head)
	}
	if text != "" {
		r.emitLocked(Fragment{Text: text, Trigger: why})
	}
	r.cancelTimerLocked()
	return true
}

// normalizeLocked drops leading whitespace of the response, defers each
// fragment's trailing whitespace to the next fragment (so it vanishes at the end
// of the response) and breaks embedded list markers onto their own line.
func (r *Rechunker) normalizeLocked(head string) string {
	text := r.deferred + head
	r.deferred = ""
	if r.seq == 0 {
		text = strings.TrimLeft(text, " \t\r\n")
	}
	trimmed := strings.TrimRight(text, " \t\r\n")
	r.deferred = text[len(trimmed):]
	if trimmed == "" {
		return ""
	}
	return textnorm.BreakBeforeMarkers(trimmed)
}

func (r *Rechunker) emitLocked(f Fragment) {
	if r.err != nil {
		return
	}
	f.Seq = r.seq
	if err := r.emit(f); err != nil {
		r.err = err
		r.cancelTimerLocked()
		return
	}
	r.seq++
	r.stats.ByTrigger[f.Trigger]++
	if !f.Final {
		r.stats.Fragments++
		r.stats.Bytes += len(f.Text)
	}
}

func (r *Rechunker) armTimerLocked() {
	r.timerGen++
	gen := r.timerGen
	r.timer = time.AfterFunc(r.cfg.FlushDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.timer == nil || r.timerGen != gen {
			return
		}
		r.onTimeoutLocked()
	})
}

func (r *Rechunker) cancelTimerLocked() {
	if r.timer == nil {
		return
	}
	r.timer.Stop()
	r.timer = nil
}
