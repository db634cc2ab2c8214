// Package verifier wraps external validation tools behind a uniform adapter.
// An adapter never fails: tool crashes, timeouts and unparseable output are
// absorbed into synthesized fatal diagnostics so the task runner always
// receives a complete diagnostic set.
package verifier

import (
	"context"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/diag"
	"github.com/throw-if-null/crucible/internal/sandbox"
	"github.com/throw-if-null/crucible/internal/stage"
)

// Adapter runs one validation tool against a materialized sandbox.
type Adapter interface {
	Name() string
	Run(ctx context.Context, sb *sandbox.Sandbox) []api.Diagnostic
}

// CommandAdapter executes a declared verifier command inside the sandbox and
// normalizes its output according to the spec's format.
type CommandAdapter struct {
	spec stage.VerifierSpec
}

func NewCommandAdapter(spec stage.VerifierSpec) *CommandAdapter {
	return &CommandAdapter{spec: spec}
}

func (a *CommandAdapter) Name() string { return a.spec.Name }

func (a *CommandAdapter) Run(ctx context.Context, sb *sandbox.Sandbox) []api.Diagnostic {
	res, err := sb.Exec(ctx, a.spec.Argv, a.spec.Timeout)
	if err != nil {
		// Parent cancellation included: the attempt is being torn down and a
		// fatal diagnostic keeps the record complete.
		return []api.Diagnostic{diag.ExecFailure(a.spec.Name, err)}
	}
	if res.TimedOut {
		return []api.Diagnostic{diag.Timeout(a.spec.Name)}
	}
	return diag.Normalize(a.spec.Format, a.spec.Name, res.ExitCode, res.Stdout, res.Stderr)
}

// FromSpecs builds adapters in declaration order. The order is load-bearing:
// the task runner merges diagnostics by it.
func FromSpecs(specs []stage.VerifierSpec) []Adapter {
	out := make([]Adapter, len(specs))
	for i, s := range specs {
		out[i] = NewCommandAdapter(s)
	}
	return out
}
