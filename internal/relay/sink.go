package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatrelay/internal/frame"
)

var (
	// ErrNotStreamable is returned when the response writer cannot flush.
	ErrNotStreamable = errors.New("response writer does not support streaming")
	errSinkClosed    = errors.New("outbound stream closed")
)

// SSEWriter writes frames as server-sent events and keeps idle connections alive
// with comment lines.
type SSEWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	closed    bool
	lastWrite time.Time

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewSSEWriter commits the event-stream response headers. heartbeat <= 0
// disables keepalive comments.
func NewSSEWriter(w http.ResponseWriter, heartbeat time.Duration) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotStreamable
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &SSEWriter{
		w:         w,
		flusher:   flusher,
		lastWrite: time.Now(),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	if heartbeat > 0 {
		go s.heartbeat(heartbeat)
	} else {
		close(s.stopped)
	}
	return s, nil
}

func (s *SSEWriter) WriteFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if err := frame.WriteSSE(s.w, f); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// Close stops the heartbeat and rejects further writes. The handler owns the
// underlying connection.
func (s *SSEWriter) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *SSEWriter) heartbeat(every time.Duration) {
	defer close(s.stopped)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.mu.Lock()
			if !s.closed && time.Since(s.lastWrite) >= every {
				if err := frame.WriteComment(s.w, "ping"); err != nil {
					s.closed = true
				} else {
					s.flusher.Flush()
					s.lastWrite = time.Now()
				}
			}
			s.mu.Unlock()
		}
	}
}

// WSWriter writes frames as JSON text messages on a websocket.
type WSWriter struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn, writeTimeout: 10 * time.Second}
}

func (s *WSWriter) WriteFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(f); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// Close sends a normal closure message. It does not close the connection.
func (s *WSWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
