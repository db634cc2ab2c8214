// Package stage holds the immutable pipeline description: the ordered stage
// definitions and the verifiers each stage must pass. A Registry is built
// once at startup and never mutated afterwards, so it is safe to share
// across concurrent sessions.
package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/throw-if-null/crucible/internal/diag"
	"github.com/throw-if-null/crucible/internal/paths"
)

var ErrUnknownStage = errors.New("unknown stage")

// VerifierSpec declares one external validation tool for a stage. The core
// knows only the command template, not tool-specific flags.
type VerifierSpec struct {
	Name    string
	Argv    []string
	Timeout time.Duration
	Format  string
}

// Definition describes one pipeline stage. Immutable after registry
// construction.
type Definition struct {
	Name        string
	Ordinal     int
	Contract    string
	Verifiers   []VerifierSpec
	MaxAttempts int
	DependsOn   []string
}

// Registry is the ordered, read-only set of stage definitions.
type Registry struct {
	defs   []Definition
	byName map[string]int
}

// NewRegistry validates the definitions and freezes them into a registry.
// Ordinals are assigned from slice order; dependencies must name earlier
// stages only.
func NewRegistry(defs []Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	byName := make(map[string]int, len(defs))
	out := make([]Definition, len(defs))
	for i, d := range defs {
		if err := paths.ValidateName(d.Name); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name: %s", d.Name)
		}
		if d.Contract == "" {
			return nil, fmt.Errorf("stage %s: empty generation contract", d.Name)
		}
		if d.MaxAttempts <= 0 {
			return nil, fmt.Errorf("stage %s: max attempts must be positive", d.Name)
		}
		seen := map[string]bool{}
		for _, v := range d.Verifiers {
			if v.Name == "" || len(v.Argv) == 0 {
				return nil, fmt.Errorf("stage %s: verifier needs name and command", d.Name)
			}
			if seen[v.Name] {
				return nil, fmt.Errorf("stage %s: duplicate verifier %s", d.Name, v.Name)
			}
			seen[v.Name] = true
			if v.Format != "" && !diag.KnownFormat(v.Format) {
				return nil, fmt.Errorf("stage %s: verifier %s: unknown format %q", d.Name, v.Name, v.Format)
			}
		}
		for _, dep := range d.DependsOn {
			j, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("stage %s: dependency %q is not an earlier stage", d.Name, dep)
			}
			if j >= i {
				return nil, fmt.Errorf("stage %s: dependency %q must precede it", d.Name, dep)
			}
		}
		d.Ordinal = i
		out[i] = d
		byName[d.Name] = i
	}
	return &Registry{defs: out, byName: byName}, nil
}

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.defs) }

// ByOrdinal returns the definition at the given ordinal.
func (r *Registry) ByOrdinal(i int) (Definition, error) {
	if i < 0 || i >= len(r.defs) {
		return Definition{}, fmt.Errorf("ordinal %d: %w", i, ErrUnknownStage)
	}
	return r.defs[i], nil
}

// ByName returns the definition with the given name.
func (r *Registry) ByName(name string) (Definition, error) {
	i, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%q: %w", name, ErrUnknownStage)
	}
	return r.defs[i], nil
}

// Names returns stage names in ordinal order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.Name
	}
	return out
}
