package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

// DataPath is the protocol endpoint.
const DataPath = "/api/ids/data"

// DefaultMaxBodyBytes bounds one inbound message.
const DefaultMaxBodyBytes = 16 << 20

// MessageProcessor turns one inbound message into its response.
type MessageProcessor interface {
	Process(ctx context.Context, msg contracts.Message) contracts.Response
}

// EnvelopeDecoder parses a serialized header.
type EnvelopeDecoder interface {
	Envelope(data string) (*contracts.Envelope, error)
}

// Server exposes a MessageProcessor over HTTP.
type Server struct {
	processor MessageProcessor
	decoder   EnvelopeDecoder
	limiter   *RateLimiter
	maxBody   int64
	ready     func(ctx context.Context) error
	logger    *slog.Logger
}

type Option func(*Server)

func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithReadiness sets the check behind /health. A nil check always passes.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(p MessageProcessor, dec EnvelopeDecoder, opts ...Option) *Server {
	s := &Server{
		processor: p,
		decoder:   dec,
		maxBody:   DefaultMaxBodyBytes,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with request-id, access-log and, when
// configured, rate-limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+DataPath, s.handleMessage)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "A dependency is not ready.")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleMessage decodes the multipart request, runs it through the
// processor and writes the response header and body as multipart. A
// rejection is a protocol answer and is sent with 200.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/") {
		WriteUnsupportedMediaType(w, r, "Messages must be sent as multipart/form-data.")
		return
	}
	parts, err := ReadParts(r.Body, ct, s.maxBody)
	switch {
	case errors.Is(err, ErrTooLarge):
		WriteTooLarge(w, r)
		return
	case err != nil:
		WriteBadRequest(w, r, "Malformed multipart message: "+err.Error())
		return
	}

	msg := contracts.Message{}
	if strings.TrimSpace(parts.Header) != "" {
		h, err := s.decoder.Envelope(parts.Header)
		if err != nil {
			var de *codec.DecodeError
			if errors.As(err, &de) || errorir.Is(err, errorir.KindDeserialization) {
				WriteBadRequest(w, r, "Malformed message header.")
				return
			}
			WriteInternal(w, r, err)
			return
		}
		msg.Header = h
	}
	if parts.HasPayload {
		msg.Payload = bytes.NewReader(parts.Payload)
	}

	resp := s.processor.Process(r.Context(), msg)
	header, err := codec.Serialize(resp.Header)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	buf, contentType, err := EncodeParts(Parts{Header: header, Payload: []byte(resp.Body), HasPayload: true})
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
