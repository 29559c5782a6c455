package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antoniostano/chatrelay/internal/policy"
	"github.com/antoniostano/chatrelay/internal/reassembly"
	"github.com/antoniostano/chatrelay/internal/textnorm"
	"github.com/antoniostano/chatrelay/internal/upstream"
)

// handleProxy copies the upstream body to the client without rechunking.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	msg, err := messageFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_message", "a non-empty message is required")
		return
	}

	stream, err := s.upstream.Open(r.Context(), upstream.Request{Message: msg})
	if err != nil {
		s.upstreamFailed(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for {
		chunk, final, err := stream.Read()
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if r.Context().Err() == nil {
				s.log.Warn().Err(err).Msg("proxy stream cut")
			}
			return
		}
		if final {
			return
		}
	}
}

type markdownResponse struct {
	Markdown string `json:"markdown"`
	Success  bool   `json:"success"`
}

// handleMarkdown buffers the whole answer and returns it normalized for one-shot
// rendering.
func (s *Server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	msg, err := messageFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_message", "a non-empty message is required")
		return
	}

	text, err := s.readAll(r, msg)
	if err != nil {
		s.log.Error().Err(err).Msg("markdown request failed")
		detail, _ := policy.RedactPII(err.Error())
		respondJSON(w, http.StatusInternalServerError, markdownResponse{Markdown: "error: " + detail})
		return
	}

	md := textnorm.Markdown(text)
	if md == "" {
		md = reassembly.EmptyAnswerText
	}
	respondJSON(w, http.StatusOK, markdownResponse{Markdown: md, Success: true})
}

func (s *Server) readAll(r *http.Request, msg string) (string, error) {
	stream, err := s.upstream.Open(r.Context(), upstream.Request{Message: msg})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, final, err := stream.Read()
		b.Write(chunk)
		if err != nil {
			return "", err
		}
		if final {
			return b.String(), nil
		}
	}
}

func (s *Server) upstreamFailed(w http.ResponseWriter, err error) {
	ue, ok := upstream.AsError(err)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.metrics.ObserveUpstreamError(string(ue.Kind), ue.Label(), ue.Retryable())
	s.log.Error().Err(err).Str("kind", string(ue.Kind)).Msg("proxy upstream failed")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	if ue.Kind == upstream.KindStatus {
		body, _ := policy.RedactPII(ue.Body)
		_, _ = fmt.Fprintf(w, "External Server Error: %d\n%s", ue.StatusCode, body)
		return
	}
	cause, _ := policy.RedactPII(ue.Error())
	_, _ = io.WriteString(w, "External Server Error: "+cause)
}
