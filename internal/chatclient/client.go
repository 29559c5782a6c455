// Package chatclient consumes a relay stream and feeds it into a Reassembler.
package chatclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/reassembly"
)

// ErrAnswerFailed is returned when the relay ended the stream with an error frame.
var ErrAnswerFailed = errors.New("answer failed")

// UpdateFunc is called after every frame that changed the reassembler.
type UpdateFunc func(r *reassembly.Reassembler)

type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(cl *Client) {
		cl.log = log
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse relay url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("relay url must be http or https, got %q", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{},
		dialer: websocket.DefaultDialer,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ask streams the answer to message over server-sent events.
func (c *Client) Ask(ctx context.Context, r *reassembly.Reassembler, message string, onUpdate UpdateFunc) error {
	if err := r.Begin(message); err != nil {
		return err
	}
	notify(r, onUpdate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/chat/stream", message), nil)
	if err != nil {
		r.NetworkError(err)
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.http.Do(req)
	if err != nil {
		return c.transportFailed(ctx, r, onUpdate, errors.Wrap(err, "connect"))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := errors.Errorf("relay http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		r.NetworkError(err)
		notify(r, onUpdate)
		return err
	}

	mode, err := frame.ParseMode(res.Header.Get(frame.ModeHeader))
	if err != nil {
		mode = frame.ModeStructured
	}
	c.log.Debug().Str("mode", string(mode)).Msg("stream opened")

	frames := frame.NewReader(res.Body)
	for {
		f, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return c.transportFailed(ctx, r, onUpdate, errors.Wrap(err, "read stream"))
		}
		end, err := c.apply(r, mode, f, onUpdate)
		if end || err != nil {
			return err
		}
	}
}

// AskWS streams the answer over the websocket endpoint.
func (c *Client) AskWS(ctx context.Context, r *reassembly.Reassembler, message string, onUpdate UpdateFunc) error {
	if err := r.Begin(message); err != nil {
		return err
	}
	notify(r, onUpdate)

	u := c.endpoint("/api/chat/ws", message)
	u = "ws" + strings.TrimPrefix(u, "http")
	conn, res, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return c.transportFailed(ctx, r, onUpdate, errors.Wrap(err, "dial"))
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	mode, err := frame.ParseMode(res.Header.Get(frame.ModeHeader))
	if err != nil {
		mode = frame.ModeStructured
	}

	for {
		var f frame.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return c.transportFailed(ctx, r, onUpdate, errors.Wrap(err, "read frame"))
		}
		end, err := c.apply(r, mode, f, onUpdate)
		if end || err != nil {
			return err
		}
	}
}

func (c *Client) apply(r *reassembly.Reassembler, mode frame.Mode, f frame.Frame, onUpdate UpdateFunc) (bool, error) {
	end, err := r.Apply(mode, f)
	if err != nil {
		c.log.Warn().Err(err).Msg("skipping malformed frame")
		return false, nil
	}
	notify(r, onUpdate)
	if !end {
		return false, nil
	}
	if f.Name() == frame.EventError {
		return true, errors.Wrap(ErrAnswerFailed, frame.DecodeError(f).Message)
	}
	return true, nil
}

// transportFailed ends the exchange. A cancelled context is a deliberate close
// and keeps what streamed so far without an error entry.
func (c *Client) transportFailed(ctx context.Context, r *reassembly.Reassembler, onUpdate UpdateFunc, err error) error {
	if ctx.Err() != nil {
		r.Done()
		notify(r, onUpdate)
		return ctx.Err()
	}
	c.log.Debug().Err(err).Msg("stream failed")
	r.NetworkError(errors.Cause(err))
	notify(r, onUpdate)
	return err
}

func (c *Client) endpoint(path, message string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"message": []string{message}}.Encode()
	return u.String()
}

func notify(r *reassembly.Reassembler, onUpdate UpdateFunc) {
	if onUpdate != nil {
		onUpdate(r)
	}
}
