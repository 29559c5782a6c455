// Package upstream talks to the remote generation service over one streaming
// HTTP request per session.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Request is the JSON body posted upstream.
type Request struct {
	Message string `json:"message"`
}

type Config struct {
	URL string
	// HeaderTimeout bounds the wait for the response status line. The body
	// itself may stream for as long as the caller's context allows.
	HeaderTimeout time.Duration
	// ErrorBodyLimit caps how much of a rejected response is kept.
	ErrorBodyLimit int64
	// ReadSize is the buffer size of one Read.
	ReadSize int
}

// Client opens upstream streams.
type Client struct {
	url      string
	client   *http.Client
	errLimit int64
	readSize int
}

func NewClient(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HeaderTimeout > 0 {
		transport.ResponseHeaderTimeout = cfg.HeaderTimeout
	}
	if cfg.ErrorBodyLimit <= 0 {
		cfg.ErrorBodyLimit = 4 << 10
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 4 << 10
	}
	return &Client{
		url:      strings.TrimSpace(cfg.URL),
		client:   &http.Client{Transport: transport},
		errLimit: cfg.ErrorBodyLimit,
		readSize: cfg.ReadSize,
	}
}

// URL returns the configured endpoint.
func (c *Client) URL() string {
	return c.url
}

// Open posts req and returns the response stream. Failures are always *Error:
// KindStatus for non-2xx responses (body already read and attached) and
// KindTransport for everything before a status was obtained.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, transportError(errors.Wrap(err, "marshal request"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError(errors.Wrap(err, "create request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain, text/event-stream")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(errors.Wrap(err, "send request"))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, c.errLimit))
		_ = res.Body.Close()
		return nil, statusError(res.StatusCode, strings.TrimSpace(string(body)))
	}

	return newStream(res, c.readSize), nil
}

// Stream is a pull interface over one upstream response body.
type Stream struct {
	res         *http.Response
	body        io.Reader
	buf         []byte
	contentType string
	charset     string

	mu        sync.Mutex
	final     bool
	closeOnce sync.Once
	closeErr  error
}

func newStream(res *http.Response, readSize int) *Stream {
	s := &Stream{
		res:  res,
		body: res.Body,
		buf:  make([]byte, readSize),
	}

	mediaType, params, err := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if err == nil {
		s.contentType = strings.ToLower(mediaType)
		s.charset = strings.ToLower(strings.TrimSpace(params["charset"]))
	}
	if s.charset != "" && s.charset != "utf-8" && s.charset != "utf8" {
		if enc, err := htmlindex.Get(s.charset); err == nil {
			s.body = transform.NewReader(s.body, enc.NewDecoder())
		}
	}
	if s.contentType == "text/event-stream" {
		s.body = newEventTextReader(s.body)
	}
	return s
}

// ContentType is the upstream media type without parameters.
func (s *Stream) ContentType() string {
	return s.contentType
}

// Charset is the declared upstream charset, empty when none was sent.
func (s *Stream) Charset() string {
	return s.charset
}

// Read blocks until upstream bytes arrive. final is true exactly once, on the
// call that observes the end of the body; later calls fail with ErrStreamClosed.
// Cancelling the context passed to Open unblocks a pending Read.
func (s *Stream) Read() (chunk []byte, final bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final {
		return nil, true, ErrStreamClosed
	}

	n, rerr := s.body.Read(s.buf)
	if n > 0 {
		chunk = make([]byte, n)
		copy(chunk, s.buf[:n])
	}
	switch {
	case rerr == nil:
		return chunk, false, nil
	case errors.Is(rerr, io.EOF):
		s.final = true
		return chunk, true, nil
	default:
		s.final = true
		return chunk, false, transportError(errors.Wrap(rerr, "read stream"))
	}
}

// Close releases the connection. It is idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.res.Body.Close()
	})
	return s.closeErr
}
