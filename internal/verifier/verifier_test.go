package verifier

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/diag"
	"github.com/throw-if-null/crucible/internal/sandbox"
	"github.com/throw-if-null/crucible/internal/stage"
)

type scriptedRunner struct {
	exitCode int
	stdout   string
	stderr   string
	err      error
	block    bool
}

func (f *scriptedRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	if f.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	_, _ = stdout.Write([]byte(f.stdout))
	_, _ = stderr.Write([]byte(f.stderr))
	return f.exitCode, f.err
}

func sandboxWith(t *testing.T, r sandbox.CommandRunner) *sandbox.Sandbox {
	t.Helper()
	m, err := sandbox.NewManager(filepath.Join(t.TempDir(), "sb"), 1, time.Second, r)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := m.Acquire(context.Background(), "schema")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sb.Release)
	return sb
}

func spec(format string) stage.VerifierSpec {
	return stage.VerifierSpec{Name: "typecheck", Argv: []string{"tsc"}, Timeout: time.Second, Format: format}
}

func TestRun_NormalizesOutput(t *testing.T) {
	sb := sandboxWith(t, &scriptedRunner{exitCode: 1, stdout: "a.ts:3:1: error: bad type\n"})
	ds := NewCommandAdapter(spec(diag.FormatLines)).Run(context.Background(), sb)
	if len(ds) != 1 {
		t.Fatalf("expected 1 diagnostic, got %+v", ds)
	}
	if ds[0].Severity != api.SeverityError || ds[0].Source != "typecheck" {
		t.Fatalf("unexpected diagnostic: %+v", ds[0])
	}
}

func TestRun_CleanPass(t *testing.T) {
	sb := sandboxWith(t, &scriptedRunner{exitCode: 0})
	ds := NewCommandAdapter(spec(diag.FormatLines)).Run(context.Background(), sb)
	if len(ds) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", ds)
	}
}

func TestRun_TimeoutBecomesFatal(t *testing.T) {
	sb := sandboxWith(t, &scriptedRunner{block: true})
	s := spec(diag.FormatLines)
	s.Timeout = 30 * time.Millisecond
	ds := NewCommandAdapter(s).Run(context.Background(), sb)
	if len(ds) != 1 || ds[0].Severity != api.SeverityFatal || ds[0].Message != "timeout" {
		t.Fatalf("expected fatal timeout diagnostic, got %+v", ds)
	}
}

func TestRun_CrashBecomesFatal(t *testing.T) {
	sb := sandboxWith(t, &scriptedRunner{exitCode: -1, err: errors.New("exec: \"tsc\": not found")})
	ds := NewCommandAdapter(spec(diag.FormatLines)).Run(context.Background(), sb)
	if len(ds) != 1 || ds[0].Severity != api.SeverityFatal {
		t.Fatalf("expected fatal crash diagnostic, got %+v", ds)
	}
}

func TestFromSpecs_PreservesOrder(t *testing.T) {
	specs := []stage.VerifierSpec{
		{Name: "a", Argv: []string{"a"}},
		{Name: "b", Argv: []string{"b"}},
	}
	adapters := FromSpecs(specs)
	if len(adapters) != 2 || adapters[0].Name() != "a" || adapters[1].Name() != "b" {
		t.Fatalf("declaration order not preserved: %v", adapters)
	}
}
