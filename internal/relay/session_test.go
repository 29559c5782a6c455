package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/rechunk"
	"github.com/antoniostano/chatrelay/internal/upstream"
)

// memWriter records frames in memory.
type memWriter struct {
	mu       sync.Mutex
	frames   []frame.Frame
	closes   int
	failFrom int
}

func (w *memWriter) WriteFrame(f frame.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failFrom > 0 && len(w.frames) >= w.failFrom {
		return io.ErrClosedPipe
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
	return nil
}

func (w *memWriter) snapshot() ([]frame.Frame, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]frame.Frame(nil), w.frames...), w.closes
}

// chanStream delivers scripted chunks; a blocked Read returns once ctx ends.
type chanStream struct {
	ctx    context.Context
	chunks chan []byte
	mu     sync.Mutex
	closes int
}

func (s *chanStream) Read() ([]byte, bool, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return nil, true, nil
		}
		return c, false, nil
	case <-s.ctx.Done():
		return nil, false, s.ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *chanStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func testOptions(mode frame.Mode) Options {
	cfg := rechunk.DefaultConfig()
	cfg.FlushDelay = 20 * time.Millisecond
	return Options{Rechunk: cfg, Mode: mode, Logger: zerolog.Nop()}
}

func tokens(t *testing.T, mode frame.Mode, frames []frame.Frame) string {
	t.Helper()
	var b strings.Builder
	for _, f := range frames {
		if f.Name() != frame.EventMessage {
			continue
		}
		text, err := frame.DecodeToken(mode, f)
		require.NoError(t, err)
		b.WriteString(text)
	}
	return b.String()
}

func TestSessionRelaysUpstreamText(t *testing.T) {
	const answer = "Here are the steps:\n1. first item\n2. second item\nThat is all, 안녕하세요."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fl := w.(http.Flusher)
		b := []byte(answer)
		for len(b) > 0 {
			n := 5
			if n > len(b) {
				n = len(b)
			}
			_, _ = w.Write(b[:n])
			fl.Flush()
			b = b[n:]
		}
	}))
	defer srv.Close()

	out := &memWriter{}
	metrics := observability.NewMetrics("sessiontest")
	opts := testOptions(frame.ModeStructured)
	opts.Metrics = metrics
	s := NewSession(FromClient(upstream.NewClient(upstream.Config{URL: srv.URL, ReadSize: 7})), out, opts)

	require.NoError(t, s.Run(context.Background(), upstream.Request{Message: "steps?"}))

	frames, closes := out.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, answer, tokens(t, frame.ModeStructured, frames))

	last := frames[len(frames)-1]
	assert.Equal(t, frame.EventDone, last.Name())
	done := 0
	for _, f := range frames {
		if f.Terminal() {
			done++
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, closes)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, OutcomeCompleted, s.Outcome())
	assert.False(t, s.TimerPending())
}

func TestSessionUpstreamRejectedYieldsOneErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	}))
	defer srv.Close()

	for _, mode := range []frame.Mode{frame.ModeRaw, frame.ModeStructured} {
		t.Run(string(mode), func(t *testing.T) {
			out := &memWriter{}
			s := NewSession(FromClient(upstream.NewClient(upstream.Config{URL: srv.URL})), out, testOptions(mode))

			err := s.Run(context.Background(), upstream.Request{Message: "x"})
			ue, ok := upstream.AsError(err)
			require.True(t, ok)
			assert.Equal(t, 500, ue.StatusCode)

			frames, closes := out.snapshot()
			require.Len(t, frames, 1)
			assert.Equal(t, frame.EventError, frames[0].Name())
			payload := frame.DecodeError(frames[0])
			assert.Contains(t, payload.Message, "500")
			assert.Contains(t, payload.Message, "boom")
			if mode == frame.ModeStructured {
				assert.Contains(t, payload.Details, "status_500")
				assert.Contains(t, payload.Details, "retryable=true")
			}
			assert.Equal(t, 1, closes)
			assert.Equal(t, StateClosed, s.State())
			assert.Equal(t, OutcomeFailed, s.Outcome())
		})
	}
}

func TestSessionTransportFailureMidStream(t *testing.T) {
	stream := &scriptedStream{steps: []scriptStep{
		{chunk: []byte("partial answer that is long enough ")},
		{err: errors.New("connection reset by peer")},
	}}
	out := &memWriter{}
	s := NewSession(DialerFunc(func(context.Context, upstream.Request) (Stream, error) {
		return stream, nil
	}), out, testOptions(frame.ModeRaw))

	err := s.Run(context.Background(), upstream.Request{Message: "x"})
	require.Error(t, err)

	frames, _ := out.snapshot()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, frame.EventError, last.Name())
	assert.Contains(t, last.Data, "connection reset")
	assert.Equal(t, 1, stream.closes)
	assert.Equal(t, OutcomeFailed, s.Outcome())
}

func TestSessionClientDisconnectReleasesResources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var stream *chanStream
	opened := make(chan struct{})
	dialer := DialerFunc(func(ctx context.Context, _ upstream.Request) (Stream, error) {
		stream = &chanStream{ctx: ctx, chunks: make(chan []byte, 4)}
		close(opened)
		return stream, nil
	})

	out := &memWriter{}
	opts := testOptions(frame.ModeRaw)
	opts.Rechunk.FlushDelay = time.Hour
	s := NewSession(dialer, out, opts)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, upstream.Request{Message: "x"}) }()

	<-opened
	// Below the threshold with no boundary: held, timer armed.
	stream.chunks <- []byte("short")
	require.Eventually(t, s.TimerPending, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not observe disconnect")
	}

	frames, closes := out.snapshot()
	assert.Empty(t, frames)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, stream.closeCount())
	assert.False(t, s.TimerPending())
	assert.Equal(t, OutcomeDisconnect, s.Outcome())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionWriteFailureIsTreatedAsDisconnect(t *testing.T) {
	stream := &scriptedStream{steps: []scriptStep{
		{chunk: []byte("first sentence goes here. ")},
		{chunk: []byte("second sentence goes here. ")},
		{final: true},
	}}
	out := &memWriter{failFrom: 1}
	s := NewSession(DialerFunc(func(context.Context, upstream.Request) (Stream, error) {
		return stream, nil
	}), out, testOptions(frame.ModeRaw))

	require.NoError(t, s.Run(context.Background(), upstream.Request{}))
	frames, closes := out.snapshot()
	assert.Len(t, frames, 1)
	assert.Equal(t, 1, closes)
	assert.Equal(t, OutcomeDisconnect, s.Outcome())
	assert.Equal(t, 1, stream.closes)
}

func TestSessionTimerFlushesShortAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stream *chanStream
	opened := make(chan struct{})
	out := &memWriter{}
	s := NewSession(DialerFunc(func(ctx context.Context, _ upstream.Request) (Stream, error) {
		stream = &chanStream{ctx: ctx, chunks: make(chan []byte, 4)}
		close(opened)
		return stream, nil
	}), out, testOptions(frame.ModeRaw))

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, upstream.Request{}) }()
	<-opened
	stream.chunks <- []byte("Hi")

	require.Eventually(t, func() bool {
		frames, _ := out.snapshot()
		return len(frames) == 1 && frames[0].Data == "Hi"
	}, time.Second, 5*time.Millisecond)

	close(stream.chunks)
	require.NoError(t, <-runErr)
	frames, _ := out.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.EventDone, frames[1].Name())
}

type scriptStep struct {
	chunk []byte
	final bool
	err   error
}

type scriptedStream struct {
	steps  []scriptStep
	closes int
}

func (s *scriptedStream) Read() ([]byte, bool, error) {
	if len(s.steps) == 0 {
		return nil, true, upstream.ErrStreamClosed
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.chunk, step.final, step.err
}

func (s *scriptedStream) Close() error {
	s.closes++
	return nil
}
