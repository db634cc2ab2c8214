// Package generator is the model service boundary. The orchestrator treats
// the model as an opaque text-completion service: a composed prompt goes in,
// a named file bundle comes out.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/throw-if-null/crucible/internal/api"
)

// ErrService marks a failed model call. Such failures are treated as
// rejected attempts under the retry policy, never as panics or crashes.
var ErrService = errors.New("generation service failure")

// PromptContext is everything one generation call may draw on: the stage
// contract, the user's description, artifacts of the stages this one depends
// on, diagnostics from the previous attempt and any human feedback.
type PromptContext struct {
	Stage       string
	Contract    string
	Description string
	PriorFiles  map[string]string
	Diagnostics []api.Diagnostic
	Feedback    string
}

// Compose renders the prompt deterministically: same inputs, same bytes.
// Prior files are emitted in sorted path order.
func (pc PromptContext) Compose() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Stage: %s\n\n%s\n", pc.Stage, strings.TrimSpace(pc.Contract))
	if pc.Description != "" {
		fmt.Fprintf(&b, "\n## Request\n\n%s\n", strings.TrimSpace(pc.Description))
	}
	if len(pc.PriorFiles) > 0 {
		b.WriteString("\n## Accepted artifacts from prior stages\n")
		names := make([]string, 0, len(pc.PriorFiles))
		for name := range pc.PriorFiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "\n### %s\n```\n%s\n```\n", name, pc.PriorFiles[name])
		}
	}
	if len(pc.Diagnostics) > 0 {
		b.WriteString("\n## Problems found in the previous attempt\n\n")
		for _, d := range pc.Diagnostics {
			if d.Location != nil {
				fmt.Fprintf(&b, "- [%s] %s %s:%d: %s\n", d.Severity, d.Source, d.Location.File, d.Location.Line, d.Message)
			} else {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", d.Severity, d.Source, d.Message)
			}
		}
	}
	if pc.Feedback != "" {
		fmt.Fprintf(&b, "\n## Reviewer feedback\n\n%s\n", strings.TrimSpace(pc.Feedback))
	}
	return b.String()
}

// Generator produces one artifact for one attempt.
type Generator interface {
	Generate(ctx context.Context, pc PromptContext) (api.Artifact, error)
}
