package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/frame"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/relay"
	"github.com/antoniostano/chatrelay/internal/upstream"
)

type Server struct {
	cfg      config.Config
	sessions *relay.Registry
	upstream *upstream.Client
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *relay.Registry, client *upstream.Client, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		upstream: client,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured
				// otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/sessions", s.handleListSessions)

	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/stream", s.handleStream)
		r.Post("/stream", s.handleStream)
		r.Get("/ws", s.handleStreamWS)
		r.Post("/proxy", s.handleProxy)
		r.Post("/markdown", s.handleMarkdown)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"frame_mode":      s.cfg.Mode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.sessions.Draining() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// logRequests writes one line per request once the handler returns.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

// messageFrom reads the user message from the query string or, for POST, from
// a JSON body.
func messageFrom(r *http.Request) (string, error) {
	if msg := strings.TrimSpace(r.URL.Query().Get("message")); msg != "" {
		return msg, nil
	}
	if r.Method != http.MethodPost {
		return "", errEmptyBody
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "", errEmptyBody
	}
	return msg, nil
}

func (s *Server) sessionLogger(r *http.Request) func(id string) {
	reqID := chimw.GetReqID(r.Context())
	return func(id string) {
		s.log.Debug().Str("request_id", reqID).Str("session_id", id).Msg("session started")
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	msg, err := messageFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_message", "a non-empty message is required")
		return
	}

	w.Header().Set(frame.ModeHeader, string(s.cfg.Mode()))
	out, err := relay.NewSSEWriter(w, s.cfg.SSEHeartbeat)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "not_streamable", err.Error())
		return
	}
	if err := s.sessions.Serve(r.Context(), out, upstream.Request{Message: msg}, s.sessionLogger(r)); err != nil {
		if errors.Is(err, relay.ErrShuttingDown) {
			s.log.Info().Msg("rejected stream during shutdown")
		}
	}
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	header := http.Header{frame.ModeHeader: []string{string(s.cfg.Mode())}}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(64 << 10)
	msg := strings.TrimSpace(r.URL.Query().Get("message"))
	if msg == "" {
		// Without a query parameter the first text message carries {"message": ...}.
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "a non-empty message is required")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		}
		msg = strings.TrimSpace(req.Message)
		_ = conn.SetReadDeadline(time.Time{})
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read pump only exists to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = s.sessions.Serve(ctx, relay.NewWSWriter(conn), upstream.Request{Message: msg}, s.sessionLogger(r))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
