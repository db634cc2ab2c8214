package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/generator"
	"github.com/throw-if-null/crucible/internal/sandbox"
	"github.com/throw-if-null/crucible/internal/stage"
)

type fakeGenerator struct {
	artifact api.Artifact
	err      error
	lastPC   generator.PromptContext
}

func (g *fakeGenerator) Generate(ctx context.Context, pc generator.PromptContext) (api.Artifact, error) {
	g.lastPC = pc
	if err := ctx.Err(); err != nil {
		return api.Artifact{}, err
	}
	return g.artifact, g.err
}

// scriptRunner maps the verifier name (argv[0]) to scripted output.
type scriptRunner struct {
	exits   map[string]int
	stdouts map[string]string
	sawDir  string
}

func (r *scriptRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	r.sawDir = dir
	if out, ok := r.stdouts[argv[0]]; ok {
		_, _ = io.WriteString(stdout, out)
	}
	return r.exits[argv[0]], nil
}

func testDef(maxAttempts int, verifiers ...stage.VerifierSpec) stage.Definition {
	return stage.Definition{
		Name:        "handlers",
		Ordinal:     1,
		Contract:    "implement the handlers",
		Verifiers:   verifiers,
		MaxAttempts: maxAttempts,
	}
}

func newTestRunner(t *testing.T, gen generator.Generator, cr sandbox.CommandRunner) *Runner {
	t.Helper()
	pool, err := sandbox.NewManager(t.TempDir(), 2, time.Second, cr)
	if err != nil {
		t.Fatal(err)
	}
	return New(gen, pool, zap.NewNop())
}

func TestRunAttempt_Accepted(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "handler"}}}
	cr := &scriptRunner{exits: map[string]int{"tsc": 0}}
	r := newTestRunner(t, gen, cr)

	def := testDef(3, stage.VerifierSpec{Name: "typecheck", Argv: []string{"tsc"}, Format: "lines"})
	a, err := r.RunAttempt(context.Background(), def, Input{
		SessionID: "s1", Description: "todo app", AttemptNum: 1, WindowAttempt: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != api.AttemptAccepted {
		t.Fatalf("outcome = %s, want accepted", a.Outcome)
	}
	if len(a.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", a.Diagnostics)
	}
	if a.StartedAt == "" || a.FinishedAt == "" {
		t.Fatal("attempt timestamps not set")
	}
}

func TestRunAttempt_RejectedOnError(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "x"}}}
	cr := &scriptRunner{
		exits:   map[string]int{"tsc": 1},
		stdouts: map[string]string{"tsc": "h.ts:3: error: bad type\n"},
	}
	r := newTestRunner(t, gen, cr)

	def := testDef(3, stage.VerifierSpec{Name: "typecheck", Argv: []string{"tsc"}, Format: "lines"})
	a, err := r.RunAttempt(context.Background(), def, Input{SessionID: "s1", AttemptNum: 1, WindowAttempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != api.AttemptRejected {
		t.Fatalf("outcome = %s, want rejected", a.Outcome)
	}
	if len(a.Diagnostics) != 1 || a.Diagnostics[0].Severity != api.SeverityError {
		t.Fatalf("unexpected diagnostics: %+v", a.Diagnostics)
	}
}

func TestRunAttempt_FreshWindowNotExhausted(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "x"}}}
	cr := &scriptRunner{
		exits:   map[string]int{"tsc": 1},
		stdouts: map[string]string{"tsc": "h.ts:3: error: bad type\n"},
	}
	r := newTestRunner(t, gen, cr)

	// fourth attempt overall, but the first of a window opened by human
	// intervention: budget is charged against the window, so this is a
	// rejection, not exhaustion
	def := testDef(3, stage.VerifierSpec{Name: "typecheck", Argv: []string{"tsc"}, Format: "lines"})
	a, err := r.RunAttempt(context.Background(), def, Input{SessionID: "s1", AttemptNum: 4, WindowAttempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != api.AttemptRejected {
		t.Fatalf("outcome = %s, want rejected", a.Outcome)
	}
}

func TestRunAttempt_ExhaustedOnLastBudgetSlot(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "x"}}}
	cr := &scriptRunner{
		exits:   map[string]int{"tsc": 1},
		stdouts: map[string]string{"tsc": "h.ts:3: error: bad type\n"},
	}
	r := newTestRunner(t, gen, cr)

	def := testDef(2, stage.VerifierSpec{Name: "typecheck", Argv: []string{"tsc"}, Format: "lines"})
	a, err := r.RunAttempt(context.Background(), def, Input{SessionID: "s1", AttemptNum: 2, WindowAttempt: 2})
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != api.AttemptExhausted {
		t.Fatalf("outcome = %s, want exhausted", a.Outcome)
	}
}

func TestRunAttempt_GenerationFailureAbsorbed(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("service unavailable")}
	r := newTestRunner(t, gen, &scriptRunner{})

	def := testDef(3)
	a, err := r.RunAttempt(context.Background(), def, Input{SessionID: "s1", AttemptNum: 1, WindowAttempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.GenerationError == "" {
		t.Fatal("generation error not recorded")
	}
	if a.Outcome != api.AttemptRejected {
		t.Fatalf("outcome = %s, want rejected", a.Outcome)
	}
	if !a.Artifact.Empty() {
		t.Fatal("failed generation must not carry an artifact")
	}
}

func TestRunAttempt_CancellationPropagates(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "x"}}}
	r := newTestRunner(t, gen, &scriptRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.RunAttempt(ctx, testDef(3), Input{SessionID: "s1", AttemptNum: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunAttempt_PriorFilesMaterialized(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "handler"}}}
	cr := &scriptRunner{exits: map[string]int{"check": 0}}
	r := newTestRunner(t, gen, cr)

	var sawSchema bool
	checker := runnerFunc(func(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
		if _, err := os.Stat(filepath.Join(dir, "schema.ts")); err == nil {
			sawSchema = true
		}
		return cr.Run(ctx, dir, argv, env, stdout, stderr)
	})
	pool, err := sandbox.NewManager(t.TempDir(), 1, time.Second, checker)
	if err != nil {
		t.Fatal(err)
	}
	r = New(gen, pool, zap.NewNop())

	prior := []api.StageResult{{
		Stage: "schema",
		Accepted: &api.Attempt{
			Artifact: api.Artifact{Files: map[string]string{"schema.ts": "model"}},
		},
	}}
	def := testDef(3, stage.VerifierSpec{Name: "check", Argv: []string{"check"}, Format: "lines"})
	if _, err := r.RunAttempt(context.Background(), def, Input{SessionID: "s1", Prior: prior, AttemptNum: 1}); err != nil {
		t.Fatal(err)
	}
	if !sawSchema {
		t.Fatal("upstream artifact not materialized alongside stage output")
	}
	if gen.lastPC.PriorFiles["schema.ts"] != "model" {
		t.Fatal("upstream artifact missing from generation context")
	}
}

func TestRunAttempt_FeedbackAndDiagnosticsForwarded(t *testing.T) {
	gen := &fakeGenerator{artifact: api.Artifact{Files: map[string]string{"h.ts": "x"}}}
	cr := &scriptRunner{exits: map[string]int{"tsc": 0}}
	r := newTestRunner(t, gen, cr)

	def := testDef(3, stage.VerifierSpec{Name: "typecheck", Argv: []string{"tsc"}, Format: "lines"})
	in := Input{
		SessionID:        "s1",
		Feedback:         "rename field",
		PriorDiagnostics: []api.Diagnostic{{Severity: api.SeverityError, Source: "typecheck", Message: "bad"}},
		AttemptNum:       2,
	}
	if _, err := r.RunAttempt(context.Background(), def, in); err != nil {
		t.Fatal(err)
	}
	if gen.lastPC.Feedback != "rename field" {
		t.Fatal("feedback not forwarded to generator")
	}
	if len(gen.lastPC.Diagnostics) != 1 {
		t.Fatal("prior diagnostics not forwarded to generator")
	}
}

type runnerFunc func(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error)

func (f runnerFunc) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	return f(ctx, dir, argv, env, stdout, stderr)
}
