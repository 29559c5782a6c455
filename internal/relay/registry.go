package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/chatrelay/internal/upstream"
)

var ErrShuttingDown = errors.New("relay is shutting down")

// Info describes a live session.
type Info struct {
	ID        string    `json:"session_id"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks live sessions so they can be listed and cancelled together
// on shutdown. Sessions share no state through it.
type Registry struct {
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*entry
	closing  bool
}

type entry struct {
	session   *Session
	startedAt time.Time
}

func NewRegistry(dialer Dialer, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		dialer:   dialer,
		opts:     opts,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// Serve runs one session writing to out and blocks until it is closed.
// onStart, when set, is called with the session id before the upstream is
// opened.
func (r *Registry) Serve(ctx context.Context, out FrameWriter, req upstream.Request, onStart func(id string)) error {
	s, err := r.add(out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if onStart != nil {
		onStart(s.ID())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	return s.Run(ctx, req)
}

func (r *Registry) add(out FrameWriter) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, ErrShuttingDown
	}
	s := NewSession(r.dialer, out, r.opts)
	r.sessions[s.ID()] = &entry{session: s, startedAt: time.Now().UTC()}
	r.wg.Add(1)
	s.onRelease(func() {
		r.mu.Lock()
		delete(r.sessions, s.ID())
		r.mu.Unlock()
		r.wg.Done()
	})
	return s, nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Draining reports whether Shutdown has begun.
func (r *Registry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closing
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, Info{ID: id, State: e.session.State(), StartedAt: e.startedAt})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown refuses new sessions, cancels live ones and waits for them to be
// released or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	live := len(r.sessions)
	r.mu.Unlock()

	r.log.Info().Int("live_sessions", live).Msg("cancelling sessions")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
