// Package orchestrator drives one session through the pipeline state
// machine. All mutations of the session pass through here, serialized by a
// per-session mutex; snapshots stay readable concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/policy"
	"github.com/throw-if-null/crucible/internal/runner"
	"github.com/throw-if-null/crucible/internal/session"
	"github.com/throw-if-null/crucible/internal/stage"
	"github.com/throw-if-null/crucible/internal/telemetry"
)

// Recorder mirrors session history into durable storage. Recording is
// best-effort: a failing recorder never blocks the pipeline.
type Recorder interface {
	RecordSession(snap api.SessionSnapshot)
	RecordTransition(sessionID string, e api.AuditEntry)
	RecordAttempt(sessionID, stage string, a api.Attempt)
}

// Orchestrator owns the FSM for one session.
type Orchestrator struct {
	mu   sync.Mutex
	sess *session.Session
	reg  *stage.Registry
	run  *runner.Runner
	log  *zap.Logger
	rec  Recorder
}

func New(sess *session.Session, reg *stage.Registry, run *runner.Runner, log *zap.Logger, rec Recorder) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{sess: sess, reg: reg, run: run, log: log.With(zap.String("session", sess.ID())), rec: rec}
}

// Session exposes the underlying record for snapshot reads.
func (o *Orchestrator) Session() *session.Session { return o.sess }

// Snapshot returns the current caller-visible view.
func (o *Orchestrator) Snapshot() api.SessionSnapshot { return o.sess.Snapshot() }

// Start begins generation of the first stage. Valid from idle only; the
// call returns once the session reaches awaiting_confirmation or failed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sess.Description() == "" {
		return fmt.Errorf("%w: empty description", ErrInvalidInput)
	}
	if s := o.sess.State(); s != api.StateIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, s)
	}

	ctx, span := telemetry.StartSessionSpan(ctx, o.sess.ID())
	defer span.End()

	first, err := o.reg.ByOrdinal(0)
	if err != nil {
		return err
	}
	o.transition(api.StateGenerating, "start", first.Name)
	return o.generateCurrent(ctx)
}

// ConfirmCurrent accepts the stage awaiting confirmation and advances the
// pipeline, generating the next stage or completing the session.
func (o *Orchestrator) ConfirmCurrent(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.sess.State(); s != api.StateAwaitingConfirmation {
		return fmt.Errorf("%w: confirm from %s", ErrInvalidState, s)
	}
	cur := o.sess.CurrentOrdinal()
	latest := o.sess.LatestAttempt(cur)
	if latest == nil || latest.Outcome != api.AttemptAccepted {
		// Confirmation only ever ratifies an accepted attempt; a blocking
		// result cannot be waved through.
		return fmt.Errorf("%w: latest attempt not accepted", ErrInvalidState)
	}

	def, err := o.reg.ByOrdinal(cur)
	if err != nil {
		return err
	}
	if cur == o.reg.Len()-1 {
		o.transition(api.StateCompleted, "confirm", def.Name)
		return nil
	}
	o.sess.SetCurrent(cur + 1)
	o.transition(api.StateGenerating, "confirm", def.Name)
	return o.generateCurrent(ctx)
}

// ProvideFeedback re-enters generation with a human correction. Valid while
// awaiting confirmation, or from failed to recover an escalated or exhausted
// stage. A target stage rolls the pipeline back, invalidating that stage and
// everything downstream.
func (o *Orchestrator) ProvideFeedback(ctx context.Context, req api.FeedbackRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if req.Feedback == "" {
		return fmt.Errorf("%w: empty feedback", ErrInvalidInput)
	}
	if s := o.sess.State(); s != api.StateAwaitingConfirmation && s != api.StateFailed {
		return fmt.Errorf("%w: feedback from %s", ErrInvalidState, s)
	}

	target := o.sess.CurrentOrdinal()
	if req.TargetStage != "" {
		def, err := o.reg.ByName(req.TargetStage)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidInput, req.TargetStage)
		}
		if def.Ordinal > target {
			return fmt.Errorf("%w: stage %s not reached yet", ErrInvalidInput, req.TargetStage)
		}
		target = def.Ordinal
		o.sess.InvalidateFrom(target)
		o.sess.SetCurrent(target)
	}

	def, err := o.reg.ByOrdinal(target)
	if err != nil {
		return err
	}
	// Human intervention buys a fresh retry budget for the target stage.
	o.sess.ResetWindow(target)
	o.sess.SetFeedback(req.Feedback)
	o.transition(api.StateGenerating, "feedback", def.Name)
	return o.generateCurrent(ctx)
}

// Complete finalizes a finished session and returns the accepted lineage in
// pipeline order.
func (o *Orchestrator) Complete() ([]api.StageResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.sess.State(); s != api.StateCompleted {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidState, s)
	}
	return o.sess.Results(), nil
}

// generateCurrent loops attempts for the current stage until the policy
// accepts, escalates or exhausts. Caller holds o.mu and the session is in
// generating state.
func (o *Orchestrator) generateCurrent(ctx context.Context) error {
	cur := o.sess.CurrentOrdinal()
	def, err := o.reg.ByOrdinal(cur)
	if err != nil {
		return err
	}
	feedback := o.sess.TakeFeedback()

	for {
		window := o.sess.Window(cur)
		in := runner.Input{
			SessionID:     o.sess.ID(),
			Description:   o.sess.Description(),
			Prior:         o.sess.Results(),
			Feedback:      feedback,
			AttemptNum:    o.sess.NextAttemptNumber(cur),
			WindowAttempt: len(window) + 1,
		}
		feedback = "" // feedback reaches the first attempt only; retries carry diagnostics
		if len(window) > 0 {
			in.PriorDiagnostics = window[len(window)-1].Diagnostics
		}

		attempt, err := o.run.RunAttempt(ctx, def, in)
		if err != nil {
			o.transition(api.StateFailed, "attempt_error", err.Error())
			return err
		}
		o.sess.RecordAttempt(cur, attempt)
		if o.rec != nil {
			o.rec.RecordAttempt(o.sess.ID(), def.Name, attempt)
		}

		switch policy.Evaluate(o.sess.Window(cur), def.MaxAttempts) {
		case policy.Accept:
			if err := o.sess.PromoteLatest(cur); err != nil {
				return err
			}
			o.transition(api.StateAwaitingConfirmation, "stage_ready", def.Name)
			return nil
		case policy.Retry:
			o.log.Info("retrying stage",
				zap.String("stage", def.Name),
				zap.Int("attempts", len(o.sess.Window(cur))),
			)
		case policy.Escalate:
			o.transition(api.StateFailed, "fatal_diagnostic", def.Name)
			return nil
		case policy.Exhaust:
			o.sess.MarkFailed(cur)
			o.transition(api.StateFailed, "budget_exhausted", def.Name)
			return fmt.Errorf("%w: %s", ErrStageExhausted, def.Name)
		}
	}
}

// transition moves the FSM and mirrors the audit entry to the recorder.
func (o *Orchestrator) transition(to api.State, event, detail string) {
	from := o.sess.State()
	o.sess.Transition(to, event, detail)
	o.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", event),
	)
	if o.rec != nil {
		snap := o.sess.Snapshot()
		o.rec.RecordTransition(o.sess.ID(), snap.Audit[len(snap.Audit)-1])
	}
}
