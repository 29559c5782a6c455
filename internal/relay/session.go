// Package relay runs one streaming session per client request: it opens the
// upstream, rechunks what arrives and writes frames to the client until the
// stream completes, fails or the client goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/policy"
	"github.com/antoniostano/chatrelay/internal/rechunk"
	"github.com/antoniostano/chatrelay/internal/upstream"
)

type State string

const (
	StateOpening    State = "opening"
	StateStreaming  State = "streaming"
	StateCompleting State = "completing"
	StateFailing    State = "failing"
	StateClosed     State = "closed"
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeDisconnect Outcome = "client_disconnect"
)

// Stream is the pull side of one upstream response.
type Stream interface {
	Read() (chunk []byte, final bool, err error)
	Close() error
}

// Dialer opens upstream streams.
type Dialer interface {
	Open(ctx context.Context, req upstream.Request) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, req upstream.Request) (Stream, error)

func (f DialerFunc) Open(ctx context.Context, req upstream.Request) (Stream, error) {
	return f(ctx, req)
}

// FromClient exposes an upstream client as a Dialer.
func FromClient(c *upstream.Client) Dialer {
	return DialerFunc(func(ctx context.Context, req upstream.Request) (Stream, error) {
		s, err := c.Open(ctx, req)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// FrameWriter is the outbound side of a session. Implementations must be safe
// for concurrent use: the flush timer and the read loop both write.
type FrameWriter interface {
	WriteFrame(f frame.Frame) error
	Close() error
}

type Options struct {
	Rechunk rechunk.Config
	Mode    frame.Mode
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Session is the lifecycle of one client request. Run it exactly once.
type Session struct {
	id      string
	dialer  Dialer
	out     FrameWriter
	enc     frame.Encoder
	cfg     rechunk.Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	state   State
	outcome Outcome
	cancel  context.CancelFunc
	stream  Stream
	rc      *rechunk.Rechunker

	started      time.Time
	firstSent    atomic.Bool
	writeFailed  atomic.Bool
	releaseOnce  sync.Once
	releaseHooks []func()
}

func NewSession(dialer Dialer, out FrameWriter, opts Options) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		dialer:  dialer,
		out:     out,
		enc:     frame.NewEncoder(opts.Mode),
		cfg:     opts.Rechunk,
		log:     opts.Logger.With().Str("session_id", id).Logger(),
		metrics: opts.Metrics,
		state:   StateOpening,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome is empty until the session is closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// TimerPending reports whether the rechunker still holds an armed flush timer.
func (s *Session) TimerPending() bool {
	s.mu.Lock()
	rc := s.rc
	s.mu.Unlock()
	return rc != nil && rc.TimerPending()
}

// onRelease registers fn to run once when the session is closed.
func (s *Session) onRelease(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseHooks = append(s.releaseHooks, fn)
}

// Run drives the session to completion. It returns nil when the stream
// completed or the client disconnected, and the upstream failure otherwise.
// Cancelling ctx is treated as a client disconnect.
func (s *Session) Run(ctx context.Context, req upstream.Request) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.started = time.Now()
	s.mu.Unlock()
	defer s.release()

	s.metrics.SessionOpened()
	s.log.Info().Int("message_len", len(req.Message)).Msg("session opened")

	stream, err := s.dialer.Open(ctx, req)
	s.metrics.ObserveUpstreamOpen(time.Since(s.started))
	if err != nil {
		if ctx.Err() != nil {
			s.disconnected()
			return nil
		}
		return s.fail(err)
	}

	rc := rechunk.New(s.cfg, s.emit, rechunk.WithLogger(s.log))
	s.mu.Lock()
	s.stream = stream
	s.rc = rc
	s.state = StateStreaming
	s.mu.Unlock()

	for {
		chunk, final, err := stream.Read()
		if err != nil {
			if ctx.Err() != nil {
				s.disconnected()
				return nil
			}
			return s.fail(err)
		}
		if len(chunk) > 0 {
			if err := rc.OnData(chunk); err != nil {
				return s.streamError(ctx, err)
			}
		}
		if final {
			break
		}
	}

	s.setState(StateCompleting)
	if err := rc.OnUpstreamDone(); err != nil {
		return s.streamError(ctx, err)
	}
	s.finish(OutcomeCompleted)
	return nil
}

// emit is the rechunker's sink. It runs on the read loop or the flush timer,
// serialized by the rechunker.
func (s *Session) emit(f rechunk.Fragment) error {
	fr, err := s.enc.Encode(f)
	if err != nil {
		return err
	}
	if err := s.out.WriteFrame(fr); err != nil {
		s.writeFailed.Store(true)
		return fmt.Errorf("write frame: %w", err)
	}
	if f.Final {
		return nil
	}
	s.metrics.ObserveFragment(string(f.Trigger), len(f.Text))
	if s.firstSent.CompareAndSwap(false, true) {
		latency := time.Since(s.started)
		s.metrics.ObserveFirstFragmentLatency(latency)
		s.log.Debug().Dur("latency", latency).Msg("first fragment")
	}
	return nil
}

// streamError sorts a rechunker error into disconnect or failure. Write errors
// mean the client is gone.
func (s *Session) streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil || s.writeFailed.Load() {
		s.disconnected()
		return nil
	}
	return s.fail(err)
}

func (s *Session) fail(err error) error {
	s.setState(StateFailing)

	details := ""
	if ue, ok := upstream.AsError(err); ok {
		details = fmt.Sprintf("%s %s retryable=%t", ue.Kind, ue.Label(), ue.Retryable())
		s.metrics.ObserveUpstreamError(string(ue.Kind), ue.Label(), ue.Retryable())
		ev := s.log.Error().Str("kind", string(ue.Kind)).Bool("retryable", ue.Retryable())
		if ue.StatusCode != 0 {
			ev = ev.Int("status", ue.StatusCode)
		}
		ev.Err(err).Msg("upstream failed")
	} else {
		s.log.Error().Err(err).Msg("session failed")
	}

	// No fragment may follow the error frame.
	s.mu.Lock()
	rc := s.rc
	s.mu.Unlock()
	if rc != nil {
		rc.Close()
	}

	if !s.writeFailed.Load() {
		message, _ := policy.RedactPII(errorMessage(err))
		if werr := s.out.WriteFrame(s.enc.Error(message, details)); werr != nil {
			s.log.Debug().Err(werr).Msg("error frame not delivered")
		}
	}
	s.finish(OutcomeFailed)
	return err
}

func (s *Session) disconnected() {
	s.log.Info().Msg("client disconnected")
	s.finish(OutcomeDisconnect)
}

func (s *Session) finish(outcome Outcome) {
	s.mu.Lock()
	if s.outcome == "" {
		s.outcome = outcome
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// release tears the session down. Every exit path of Run goes through it and it
// runs once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		cancel, rc, stream := s.cancel, s.rc, s.stream
		if s.outcome == "" {
			s.outcome = OutcomeFailed
		}
		outcome := s.outcome
		s.state = StateClosed
		hooks := s.releaseHooks
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		stats := rechunk.Stats{}
		if rc != nil {
			rc.Close()
			stats = rc.Stats()
		}
		if stream != nil {
			if err := stream.Close(); err != nil {
				s.log.Debug().Err(err).Msg("close upstream")
			}
		}
		if err := s.out.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close outbound stream")
		}

		s.metrics.AddDecodeAnomalies(stats.Anomalies)
		s.metrics.SessionClosed(string(outcome), time.Since(s.started))
		s.log.Info().
			Str("outcome", string(outcome)).
			Int("fragments", stats.Fragments).
			Int("bytes", stats.Bytes).
			Int("anomalies", stats.Anomalies).
			Msg("session closed")

		for _, fn := range hooks {
			fn()
		}
	})
}

func errorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream timed out"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "stream failed"
	}
	return msg
}
