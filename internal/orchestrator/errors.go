package orchestrator

import "errors"

var (
	// ErrInvalidInput rejects malformed requests (empty description or
	// feedback, unknown target stage).
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState rejects an operation the current FSM state does not
	// permit.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrStageExhausted reports that the current stage spent its retry budget
	// without an acceptable attempt.
	ErrStageExhausted = errors.New("stage retry budget exhausted")
)
