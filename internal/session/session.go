// Package session holds the in-memory, session-scoped record of a pipeline
// run: stage history, FSM state, audit trail and accepted artifacts. The
// orchestrator is the sole writer; readers get consistent snapshots.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/throw-if-null/crucible/internal/api"
)

type stageState struct {
	name     string
	attempts []api.Attempt
	window   int // index where the current retry window starts
	accepted *api.Attempt
	failed   bool
}

// Session is one end-to-end pipeline run.
type Session struct {
	mu          sync.RWMutex
	id          string
	description string
	state       api.State
	current     int
	stages      []*stageState
	audit       []api.AuditEntry
	feedback    string
	createdAt   time.Time
	updatedAt   time.Time
}

// New creates an idle session over the given ordered stage names.
func New(id, description string, stageNames []string) *Session {
	now := time.Now().UTC()
	stages := make([]*stageState, len(stageNames))
	for i, name := range stageNames {
		stages[i] = &stageState{name: name}
	}
	return &Session{
		id:          id,
		description: description,
		state:       api.StateIdle,
		stages:      stages,
		createdAt:   now,
		updatedAt:   now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Description() string { return s.description }

func (s *Session) State() api.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) CurrentOrdinal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Transition moves the FSM and appends to the audit trail. Every state
// change goes through here so the trail is complete.
func (s *Session) Transition(to api.State, event, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.audit = append(s.audit, api.AuditEntry{
		At:     now.Format(time.RFC3339Nano),
		From:   s.state,
		To:     to,
		Event:  event,
		Detail: detail,
	})
	s.state = to
	s.updatedAt = now
}

// SetCurrent repositions the pipeline cursor.
func (s *Session) SetCurrent(ordinal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ordinal
	s.updatedAt = time.Now().UTC()
}

// SetFeedback stores a pending human correction for the next attempt.
func (s *Session) SetFeedback(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = text
}

// TakeFeedback returns and clears the pending feedback.
func (s *Session) TakeFeedback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb := s.feedback
	s.feedback = ""
	return fb
}

// RecordAttempt appends one attempt to a stage's history.
func (s *Session) RecordAttempt(ordinal int, a api.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stages[ordinal]
	st.attempts = append(st.attempts, a)
	s.updatedAt = time.Now().UTC()
}

// Window returns the attempts since the last human intervention for a stage.
func (s *Session) Window(ordinal int) []api.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stages[ordinal]
	out := make([]api.Attempt, len(st.attempts)-st.window)
	copy(out, st.attempts[st.window:])
	return out
}

// ResetWindow starts a fresh retry budget for a stage; the full attempt
// history is retained for audit.
func (s *Session) ResetWindow(ordinal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stages[ordinal]
	st.window = len(st.attempts)
}

// NextAttemptNumber returns the 1-based number for the next attempt.
func (s *Session) NextAttemptNumber(ordinal int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stages[ordinal].attempts) + 1
}

// LatestAttempt returns the most recent attempt for a stage, or nil.
func (s *Session) LatestAttempt(ordinal int) *api.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stages[ordinal]
	if len(st.attempts) == 0 {
		return nil
	}
	a := st.attempts[len(st.attempts)-1]
	return &a
}

// PromoteLatest makes the latest attempt the stage's accepted result.
func (s *Session) PromoteLatest(ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stages[ordinal]
	if len(st.attempts) == 0 {
		return fmt.Errorf("stage %s has no attempts", st.name)
	}
	a := st.attempts[len(st.attempts)-1]
	st.accepted = &a
	st.failed = false
	s.updatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records terminal failure for a stage.
func (s *Session) MarkFailed(ordinal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[ordinal].failed = true
	s.updatedAt = time.Now().UTC()
}

// InvalidateFrom clears accepted results and attempt history for the target
// stage and everything downstream: their artifacts are stale once an
// earlier stage is regenerated.
func (s *Session) InvalidateFrom(ordinal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := ordinal; i < len(s.stages); i++ {
		st := s.stages[i]
		st.accepted = nil
		st.failed = false
		st.attempts = nil
		st.window = 0
	}
	s.updatedAt = time.Now().UTC()
}

// AcceptedResult returns the accepted attempt for a stage, or nil.
func (s *Session) AcceptedResult(ordinal int) *api.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stages[ordinal].accepted
}

// Results returns the confirmed stage results in ordinal order.
func (s *Session) Results() []api.StageResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.StageResult
	for i, st := range s.stages {
		if st.accepted == nil {
			continue
		}
		out = append(out, s.stageResultLocked(i))
	}
	return out
}

func (s *Session) stageResultLocked(i int) api.StageResult {
	st := s.stages[i]
	res := api.StageResult{
		Stage:    st.name,
		Ordinal:  i,
		Attempts: append([]api.Attempt(nil), st.attempts...),
		Failed:   st.failed,
	}
	if st.accepted != nil {
		a := *st.accepted
		res.Accepted = &a
	}
	return res
}

// Snapshot returns the caller-visible view of the session.
func (s *Session) Snapshot() api.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := api.SessionSnapshot{
		ID:             s.id,
		Description:    s.description,
		State:          s.state,
		CurrentOrdinal: s.current,
		Audit:          append([]api.AuditEntry(nil), s.audit...),
		CreatedAt:      s.createdAt.Format(time.RFC3339Nano),
		UpdatedAt:      s.updatedAt.Format(time.RFC3339Nano),
	}
	if s.current >= 0 && s.current < len(s.stages) {
		snap.CurrentStage = s.stages[s.current].name
	}
	for i, st := range s.stages {
		if st.accepted != nil || len(st.attempts) > 0 || st.failed {
			snap.StageResults = append(snap.StageResults, s.stageResultLocked(i))
		}
	}
	cur := s.stages[s.current]
	if len(cur.attempts) > 0 {
		latest := cur.attempts[len(cur.attempts)-1]
		snap.LatestDiagnostics = append([]api.Diagnostic(nil), latest.Diagnostics...)
	}
	return snap
}

// Store is the per-process registry of live sessions. Sessions share no
// mutable state with each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID()] = s
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// List returns snapshots of all sessions, newest first.
func (st *Store) List() []api.SessionSnapshot {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	out := make([]api.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}
