// Package runner executes one generation-plus-validation cycle for a stage:
// call the generator, materialize the artifact into a fresh sandbox, fan the
// stage's verifiers out concurrently, and classify the merged diagnostics.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/generator"
	"github.com/throw-if-null/crucible/internal/sandbox"
	"github.com/throw-if-null/crucible/internal/stage"
	"github.com/throw-if-null/crucible/internal/telemetry"
	"github.com/throw-if-null/crucible/internal/verifier"
)

// Input carries the session context one attempt needs. AttemptNum is the
// absolute 1-based number across the stage's full history; WindowAttempt is
// the attempt's position within the current retry window, which restarts on
// human feedback and is what the budget is charged against.
type Input struct {
	SessionID        string
	Description      string
	Prior            []api.StageResult
	Feedback         string
	PriorDiagnostics []api.Diagnostic
	AttemptNum       int
	WindowAttempt    int
}

// Runner owns the shared collaborators for attempt execution. Safe for
// concurrent use across sessions.
type Runner struct {
	gen     generator.Generator
	pool    *sandbox.Manager
	log     *zap.Logger
	nowFunc func() time.Time
}

func New(gen generator.Generator, pool *sandbox.Manager, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{gen: gen, pool: pool, log: log, nowFunc: time.Now}
}

// RunAttempt drives one full attempt for the given stage. Generator failures
// are absorbed into the attempt record; only caller cancellation and sandbox
// acquisition failures surface as errors.
func (r *Runner) RunAttempt(ctx context.Context, def stage.Definition, in Input) (api.Attempt, error) {
	ctx, span := telemetry.StartAttemptSpan(ctx, in.SessionID, def.Name, in.AttemptNum)
	defer span.End()

	attempt := api.Attempt{
		Number:    in.AttemptNum,
		StartedAt: r.nowFunc().UTC().Format(time.RFC3339Nano),
	}
	log := r.log.With(
		zap.String("session", in.SessionID),
		zap.String("stage", def.Name),
		zap.Int("attempt", in.AttemptNum),
	)

	artifact, err := r.gen.Generate(ctx, promptFor(def, in))
	if err != nil {
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		// A failed model call is a rejected attempt, not a pipeline error:
		// the retry policy spends budget on it like any other rejection.
		log.Warn("generation failed", zap.Error(err))
		attempt.GenerationError = err.Error()
		attempt.Outcome = classify(attempt, def, in)
		attempt.FinishedAt = r.nowFunc().UTC().Format(time.RFC3339Nano)
		return attempt, nil
	}
	attempt.Artifact = artifact

	sb, err := r.pool.Acquire(ctx, def.Name)
	if err != nil {
		if errors.Is(err, sandbox.ErrPoolExhausted) {
			log.Warn("sandbox pool exhausted", zap.Int("in_use", r.pool.InUse()))
		}
		return attempt, err
	}
	defer sb.Release()

	bundle := merged(in.Prior, artifact)
	if err := sb.Materialize(bundle); err != nil {
		return attempt, err
	}

	attempt.Diagnostics = r.verify(ctx, sb, def)
	attempt.Outcome = classify(attempt, def, in)
	attempt.FinishedAt = r.nowFunc().UTC().Format(time.RFC3339Nano)
	log.Info("attempt finished",
		zap.String("outcome", string(attempt.Outcome)),
		zap.Int("diagnostics", len(attempt.Diagnostics)),
	)
	return attempt, nil
}

// verify fans the stage's verifiers out concurrently and merges their
// findings back in declaration order, so repeated runs over the same output
// produce the same diagnostic sequence.
func (r *Runner) verify(ctx context.Context, sb *sandbox.Sandbox, def stage.Definition) []api.Diagnostic {
	adapters := verifier.FromSpecs(def.Verifiers)
	results := make([][]api.Diagnostic, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			results[i] = a.Run(gctx, sb)
			return nil
		})
	}
	_ = g.Wait()

	var out []api.Diagnostic
	for _, ds := range results {
		out = append(out, ds...)
	}
	return out
}

func classify(a api.Attempt, def stage.Definition, in Input) api.AttemptOutcome {
	if !a.Blocking() {
		return api.AttemptAccepted
	}
	// Budget is window-relative: feedback restarts the window, so an attempt
	// early in a fresh window is rejected, not exhausted, regardless of how
	// many attempts the stage burned before.
	if !a.Fatal() && in.WindowAttempt >= def.MaxAttempts {
		return api.AttemptExhausted
	}
	return api.AttemptRejected
}

// promptFor folds the accepted upstream artifacts, the previous attempt's
// diagnostics and any pending human feedback into the generation context.
func promptFor(def stage.Definition, in Input) generator.PromptContext {
	prior := make(map[string]string)
	for _, res := range in.Prior {
		if res.Accepted == nil {
			continue
		}
		for name, content := range res.Accepted.Artifact.Files {
			prior[name] = content
		}
	}
	return generator.PromptContext{
		Stage:       def.Name,
		Contract:    def.Contract,
		Description: in.Description,
		PriorFiles:  prior,
		Diagnostics: in.PriorDiagnostics,
		Feedback:    in.Feedback,
	}
}

// merged layers the current artifact over the accepted upstream files, so
// verifiers see the whole program, not just this stage's slice.
func merged(prior []api.StageResult, current api.Artifact) api.Artifact {
	files := make(map[string]string)
	for _, res := range prior {
		if res.Accepted == nil {
			continue
		}
		for name, content := range res.Accepted.Artifact.Files {
			files[name] = content
		}
	}
	for name, content := range current.Files {
		files[name] = content
	}
	return api.Artifact{Files: files, Notes: current.Notes}
}
