// Package sandbox provisions isolated execution contexts for generation
// attempts. Capacity is a bounded shared pool: acquisition blocks with a
// timeout when exhausted, giving callers backpressure instead of unbounded
// fan-out. Distinct attempts never share a sandbox instance.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/paths"
)

var ErrPoolExhausted = errors.New("sandbox pool exhausted")

// Manager owns the pool. Safe for concurrent use by multiple sessions.
type Manager struct {
	root           string
	sem            chan struct{}
	acquireTimeout time.Duration
	runner         CommandRunner
}

// NewManager creates a manager rooted at root. capacity bounds the number of
// live sandboxes; acquireTimeout bounds how long Acquire blocks when the
// pool is full. A nil runner uses RealCommandRunner.
func NewManager(root string, capacity int, acquireTimeout time.Duration, runner CommandRunner) (*Manager, error) {
	if root == "" {
		return nil, errors.New("sandbox root required")
	}
	if capacity <= 0 {
		capacity = 1
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 2 * time.Minute
	}
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Manager{
		root:           root,
		sem:            make(chan struct{}, capacity),
		acquireTimeout: acquireTimeout,
		runner:         runner,
	}, nil
}

// InUse reports how many sandboxes are currently live.
func (m *Manager) InUse() int { return len(m.sem) }

// Acquire returns a fresh, empty sandbox for the given stage. It blocks
// until a pool slot frees up, the timeout fires (ErrPoolExhausted), or ctx
// is cancelled.
func (m *Manager) Acquire(ctx context.Context, stageName string) (*Sandbox, error) {
	if err := paths.ValidateName(stageName); err != nil {
		return nil, err
	}
	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("acquire %s: %w", stageName, ErrPoolExhausted)
	}

	dir, err := os.MkdirTemp(m.root, stageName+"-")
	if err != nil {
		<-m.sem
		return nil, err
	}
	return &Sandbox{dir: dir, m: m}, nil
}

// Sandbox is one isolated filesystem context. Release is idempotent and must
// be called on every path; the pool slot is not returned until then.
type Sandbox struct {
	dir  string
	m    *Manager
	once sync.Once
}

// Dir returns the sandbox working directory.
func (s *Sandbox) Dir() string { return s.dir }

// Materialize writes the artifact's file bundle into the sandbox. File names
// are relative paths inside the sandbox; anything escaping it is rejected.
func (s *Sandbox) Materialize(a api.Artifact) error {
	for name, content := range a.Files {
		full, err := paths.SafeJoin(s.dir, filepath.FromSlash(name))
		if err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Result carries the raw outcome of one verifier process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Exec runs one process bound to the sandbox directory under the given
// timeout. A deadline hit is reported via Result.TimedOut, not an error;
// only start failures and parent-context cancellation return an error.
func (s *Sandbox) Exec(ctx context.Context, argv []string, timeout time.Duration) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var outb, errb bytes.Buffer
	code, err := s.m.runner.Run(tctx, s.dir, argv, nil, &outb, &errb)
	res := Result{ExitCode: code, Stdout: outb.String(), Stderr: errb.String()}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, nil
	}
	if err != nil && code < 0 {
		return res, err
	}
	return res, nil
}

// Release tears the sandbox down and returns its pool slot. Safe to call
// more than once.
func (s *Sandbox) Release() {
	s.once.Do(func() {
		_ = os.RemoveAll(s.dir)
		<-s.m.sem
	})
}
