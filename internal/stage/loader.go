package stage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/throw-if-null/crucible/internal/diag"
)

type pipelineFile struct {
	Stages []stageYAML `yaml:"stages"`
}

type stageYAML struct {
	Name        string         `yaml:"name"`
	Contract    string         `yaml:"contract"`
	MaxAttempts int            `yaml:"max_attempts"`
	DependsOn   []string       `yaml:"depends_on"`
	Verifiers   []verifierYAML `yaml:"verifiers"`
}

type verifierYAML struct {
	Name           string   `yaml:"name"`
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Format         string   `yaml:"format"`
}

const (
	defaultMaxAttempts     = 3
	defaultVerifierTimeout = 120 * time.Second
)

// LoadPipeline builds a registry from a YAML pipeline file. When the file
// does not exist the compiled-in default pipeline is used.
func LoadPipeline(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRegistry(DefaultPipeline())
		}
		return nil, err
	}
	var pf pipelineFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	defs := make([]Definition, 0, len(pf.Stages))
	for _, s := range pf.Stages {
		d := Definition{
			Name:        s.Name,
			Contract:    s.Contract,
			MaxAttempts: s.MaxAttempts,
			DependsOn:   s.DependsOn,
		}
		if d.MaxAttempts == 0 {
			d.MaxAttempts = defaultMaxAttempts
		}
		for _, v := range s.Verifiers {
			spec := VerifierSpec{
				Name:    v.Name,
				Argv:    v.Command,
				Timeout: time.Duration(v.TimeoutSeconds) * time.Second,
				Format:  v.Format,
			}
			if spec.Timeout == 0 {
				spec.Timeout = defaultVerifierTimeout
			}
			if spec.Format == "" {
				spec.Format = diag.FormatLines
			}
			d.Verifiers = append(d.Verifiers, spec)
		}
		defs = append(defs, d)
	}
	return NewRegistry(defs)
}

// DefaultPipeline is the built-in three stage pipeline: data schema, server
// handlers, UI components. Verifier commands are templates a deployment
// overrides via pipeline.yaml.
func DefaultPipeline() []Definition {
	return []Definition{
		{
			Name: "schema",
			Contract: "Define the application data model: entity types, database schema " +
				"and the typed API surface between client and server.",
			MaxAttempts: 3,
			Verifiers: []VerifierSpec{
				{Name: "typecheck", Argv: []string{"tsc", "--noEmit", "--pretty", "false"}, Timeout: defaultVerifierTimeout, Format: diag.FormatLines},
			},
		},
		{
			Name: "handlers",
			Contract: "Implement the server request handlers against the accepted schema. " +
				"Every declared operation must be covered and compile cleanly.",
			MaxAttempts: 3,
			DependsOn:   []string{"schema"},
			Verifiers: []VerifierSpec{
				{Name: "typecheck", Argv: []string{"tsc", "--noEmit", "--pretty", "false"}, Timeout: defaultVerifierTimeout, Format: diag.FormatLines},
				{Name: "handler-tests", Argv: []string{"npm", "test", "--silent"}, Timeout: 300 * time.Second, Format: diag.FormatExitCode},
			},
		},
		{
			Name: "frontend",
			Contract: "Implement the UI components consuming the accepted schema and " +
				"handlers. Components must render the primary user flows.",
			MaxAttempts: 3,
			DependsOn:   []string{"schema", "handlers"},
			Verifiers: []VerifierSpec{
				{Name: "typecheck", Argv: []string{"tsc", "--noEmit", "--pretty", "false"}, Timeout: defaultVerifierTimeout, Format: diag.FormatLines},
				{Name: "lint", Argv: []string{"eslint", "--format", "compact", "."}, Timeout: defaultVerifierTimeout, Format: diag.FormatLines},
			},
		},
	}
}
