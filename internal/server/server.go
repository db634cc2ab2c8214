// Package server exposes the pipeline over HTTP. State-changing operations
// run asynchronously: the handler validates, dispatches, and answers 202
// with a snapshot; callers poll the session until it settles.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/orchestrator"
	"github.com/throw-if-null/crucible/internal/runner"
	"github.com/throw-if-null/crucible/internal/session"
	"github.com/throw-if-null/crucible/internal/stage"
)

type Server struct {
	reg   *stage.Registry
	run   *runner.Runner
	store *session.Store
	rec   orchestrator.Recorder
	log   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	cancels *cancellers
}

// entry pairs a session with its orchestrator and a busy latch. One
// operation per session at a time; concurrent dispatch answers 409.
type entry struct {
	orch *orchestrator.Orchestrator
	busy atomic.Bool
}

func NewServer(reg *stage.Registry, run *runner.Runner, store *session.Store, rec orchestrator.Recorder, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		reg:     reg,
		run:     run,
		store:   store,
		rec:     rec,
		log:     log,
		entries: map[string]*entry{},
		cancels: newCancellers(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{session_id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{session_id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/sessions/{session_id}/feedback", s.handleFeedback)
	mux.HandleFunc("POST /v1/sessions/{session_id}/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/sessions/{session_id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) lookup(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// dispatch runs op in the background under the session's busy latch and a
// cancellable context.
func (s *Server) dispatch(id string, e *entry, op func(ctx context.Context) error) bool {
	if !e.busy.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels.register(id, cancel)
	go func() {
		defer func() {
			s.cancels.unregister(id)
			cancel()
			e.busy.Store(false)
			if s.rec != nil {
				s.rec.RecordSession(e.orch.Snapshot())
			}
		}()
		if err := op(ctx); err != nil {
			s.log.Warn("operation finished with error", zap.String("session", id), zap.Error(err))
		}
	}()
	return true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req api.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}

	sess := session.New(uuid.NewString(), req.Description, s.reg.Names())
	orch := orchestrator.New(sess, s.reg, s.run, s.log, s.rec)
	e := &entry{orch: orch}

	s.mu.Lock()
	s.entries[sess.ID()] = e
	s.mu.Unlock()
	s.store.Put(sess)
	if s.rec != nil {
		s.rec.RecordSession(sess.Snapshot())
	}

	s.dispatch(sess.ID(), e, orch.Start)

	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(r.PathValue("session_id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	e, ok := s.lookup(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if st := e.orch.Snapshot().State; st != api.StateAwaitingConfirmation {
		http.Error(w, "session is not awaiting confirmation", http.StatusConflict)
		return
	}
	if !s.dispatch(id, e, e.orch.ConfirmCurrent) {
		http.Error(w, "operation in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, e.orch.Snapshot())
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	e, ok := s.lookup(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var req api.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Feedback == "" {
		http.Error(w, "feedback is required", http.StatusBadRequest)
		return
	}
	if req.TargetStage != "" {
		if _, err := s.reg.ByName(req.TargetStage); err != nil {
			http.Error(w, "unknown target stage", http.StatusBadRequest)
			return
		}
	}
	if st := e.orch.Snapshot().State; st != api.StateAwaitingConfirmation && st != api.StateFailed {
		http.Error(w, "session does not accept feedback", http.StatusConflict)
		return
	}
	if !s.dispatch(id, e, func(ctx context.Context) error {
		return e.orch.ProvideFeedback(ctx, req)
	}) {
		http.Error(w, "operation in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, e.orch.Snapshot())
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(r.PathValue("session_id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	lineage, err := e.orch.Complete()
	if errors.Is(err, orchestrator.ErrInvalidState) {
		http.Error(w, "session is not completed", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to complete session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lineage)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if _, ok := s.lookup(id); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if s.cancels.cancel(id) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cancelled"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("no-op"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
