// Package policy decides what happens after each generation attempt. It is
// a pure function of the attempt history and the stage's retry budget, so it
// is testable without executing real verifiers.
package policy

import "github.com/throw-if-null/crucible/internal/api"

// Decision is the next step for a stage after its latest attempt.
type Decision string

const (
	// Accept promotes the latest attempt for confirmation. Warning-only
	// diagnostics never block acceptance.
	Accept Decision = "accept"
	// Retry runs another attempt with prior diagnostics fed back into the
	// generation prompt.
	Retry Decision = "retry"
	// Escalate hands control to a human: fatal diagnostics are never
	// silently auto-retried, which prevents infinite loops on unrecoverable
	// generator errors.
	Escalate Decision = "escalate"
	// Exhaust marks the retry budget spent with the stage still failing.
	Exhaust Decision = "exhaust"
)

// Evaluate inspects the latest attempt of the current retry window. The
// window restarts whenever a human intervenes, so feedback always buys a
// fresh budget.
func Evaluate(window []api.Attempt, maxAttempts int) Decision {
	if len(window) == 0 {
		return Retry
	}
	latest := window[len(window)-1]
	if !latest.Blocking() {
		return Accept
	}
	if latest.Fatal() {
		return Escalate
	}
	if len(window) >= maxAttempts {
		return Exhaust
	}
	return Retry
}
