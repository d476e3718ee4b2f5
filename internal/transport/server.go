package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/wire"
)

// errorKindHeader carries an *errs.Error's Kind across the wire so the
// client can react to specific failure kinds (EntityNotAssignedToRunner
// in particular, per spec.md §4.2 step 6) instead of only seeing an
// opaque HTTP 500.
const errorKindHeader = "X-Meridian-Error-Kind"

func writeError(w http.ResponseWriter, err error) {
	if kind, ok := errs.KindOf(err); ok {
		w.Header().Set(errorKindHeader, string(kind))
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// Receiver is the runner-side half of the four Runners verbs: whatever
// handles incoming traffic, in practice internal/sharding's Sharding.
type Receiver interface {
	HandleNotify(ctx context.Context, req wire.Request) error
	HandleEffect(ctx context.Context, req wire.Request, persisted bool) (wire.Reply, error)
	HandleStream(ctx context.Context, req wire.Request, persisted bool) (<-chan wire.Reply, error)
	HandleEnvelope(ctx context.Context, env wire.Envelope, persisted bool) error
}

// Server exposes a Receiver over HTTP, implementing the peer side of
// HTTPRunners: GET /health, POST /notify, /effect, /stream, /envelope.
type Server struct {
	log      *logrus.Entry
	receiver Receiver
}

// NewServer wraps recv for HTTP serving.
func NewServer(recv Receiver) *Server {
	return &Server{log: obslog.For("transport.server"), receiver: recv}
}

// Handler returns the mux cmd/runner mounts its listener with.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/notify", s.handleNotify)
	mux.HandleFunc("/effect", s.handleEffect)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/envelope", s.handleEnvelope)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req wire.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.receiver.HandleNotify(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	var env requestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := s.receiver.HandleEffect(r.Context(), env.Request, env.Persisted)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var env requestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	replies, err := s.receiver.HandleStream(r.Context(), env.Request, env.Persisted)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for reply := range replies {
		if err := enc.Encode(reply); err != nil {
			s.log.WithError(err).Warn("failed writing stream chunk")
			return
		}
		if canFlush {
			flusher.Flush()
		}
		if reply.Kind() == wire.KindWithExit {
			return
		}
	}
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var payload envelopeEnvelope
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := wire.DecodeEnvelope(payload.Envelope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.receiver.HandleEnvelope(r.Context(), env, payload.Persisted); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
