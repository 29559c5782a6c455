package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/upstream"
)

func blockingDialer(opened chan<- *chanStream) Dialer {
	return DialerFunc(func(ctx context.Context, _ upstream.Request) (Stream, error) {
		s := &chanStream{ctx: ctx, chunks: make(chan []byte)}
		opened <- s
		return s, nil
	})
}

func TestRegistryTracksAndShutsDownSessions(t *testing.T) {
	opened := make(chan *chanStream, 2)
	reg := NewRegistry(blockingDialer(opened), testOptions(frame.ModeRaw))

	ids := make(chan string, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- reg.Serve(context.Background(), &memWriter{}, upstream.Request{Message: "x"}, func(id string) { ids <- id })
		}()
	}
	streams := []*chanStream{<-opened, <-opened}
	first, second := <-ids, <-ids
	assert.NotEqual(t, first, second)

	require.Eventually(t, func() bool { return reg.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)
	infos := reg.List()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.NotEmpty(t, info.ID)
		assert.False(t, info.StartedAt.IsZero())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))
	assert.Equal(t, 0, reg.ActiveCount())
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs)
	}
	for _, s := range streams {
		assert.Equal(t, 1, s.closeCount())
	}

	out := &memWriter{}
	err := reg.Serve(context.Background(), out, upstream.Request{}, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, closes := out.snapshot()
	assert.Equal(t, 1, closes)
}

func TestRegistryRemovesCompletedSession(t *testing.T) {
	reg := NewRegistry(DialerFunc(func(context.Context, upstream.Request) (Stream, error) {
		return &scriptedStream{steps: []scriptStep{{chunk: []byte("done already"), final: true}}}, nil
	}), testOptions(frame.ModeStructured))

	out := &memWriter{}
	require.NoError(t, reg.Serve(context.Background(), out, upstream.Request{}, nil))
	assert.Equal(t, 0, reg.ActiveCount())

	frames, _ := out.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, frame.EventDone, frames[len(frames)-1].Name())
	assert.Equal(t, "done already", tokens(t, frame.ModeStructured, frames))
}
