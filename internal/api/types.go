package api

// Default listen address for the crucible daemon.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8177
)

// State is the orchestrator FSM state for a session.
type State string

const (
	StateIdle                 State = "idle"
	StateGenerating           State = "generating"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// Severity classifies a diagnostic. Fatal findings always require human
// intervention, errors are auto-retryable, warnings never block acceptance.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Location points at the offending spot inside a generated file. Col may be
// zero when the tool only reports a line.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Col  int    `json:"col,omitempty"`
}

// Diagnostic is one normalized verifier finding.
type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Source   string    `json:"source"`
	Message  string    `json:"message"`
	Location *Location `json:"location,omitempty"`
}

// Artifact is a named file-content bundle produced by one generation call.
type Artifact struct {
	Files map[string]string `json:"files"`
	Notes string            `json:"notes,omitempty"`
}

// Empty reports whether the artifact carries no files.
func (a Artifact) Empty() bool { return len(a.Files) == 0 }

// AttemptOutcome is the terminal classification of one attempt.
type AttemptOutcome string

const (
	AttemptAccepted  AttemptOutcome = "accepted"
	AttemptRejected  AttemptOutcome = "rejected"
	AttemptExhausted AttemptOutcome = "exhausted"
)

// Attempt is one generation-plus-validation cycle for a stage.
type Attempt struct {
	Number      int            `json:"number"`
	Artifact    Artifact       `json:"artifact"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
	Outcome     AttemptOutcome `json:"outcome"`
	// GenerationError is set when the model call itself failed; such attempts
	// carry no artifact and are rejected under the retry policy.
	GenerationError string `json:"generation_error,omitempty"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
}

// Blocking reports whether the attempt carries a fatal or error diagnostic,
// or failed before verification ran.
func (a Attempt) Blocking() bool {
	if a.GenerationError != "" {
		return true
	}
	for _, d := range a.Diagnostics {
		if d.Severity == SeverityFatal || d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Fatal reports whether the attempt carries at least one fatal diagnostic.
func (a Attempt) Fatal() bool {
	for _, d := range a.Diagnostics {
		if d.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// StageResult records a stage's accepted attempt, or its terminal failure.
// Attempts retains the full history for audit.
type StageResult struct {
	Stage    string    `json:"stage"`
	Ordinal  int       `json:"ordinal"`
	Accepted *Attempt  `json:"accepted,omitempty"`
	Attempts []Attempt `json:"attempts"`
	Failed   bool      `json:"failed,omitempty"`
}

// AuditEntry records one FSM transition.
type AuditEntry struct {
	At     string `json:"at"`
	From   State  `json:"from"`
	To     State  `json:"to"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// SessionSnapshot is the caller-visible view of a session. It is complete
// enough for a host to persist and later reconstruct the session without
// replaying side effects.
type SessionSnapshot struct {
	ID                string        `json:"id"`
	Description       string        `json:"description"`
	State             State         `json:"state"`
	CurrentStage      string        `json:"current_stage,omitempty"`
	CurrentOrdinal    int           `json:"current_ordinal"`
	StageResults      []StageResult `json:"stage_results"`
	LatestDiagnostics []Diagnostic  `json:"latest_diagnostics"`
	Audit             []AuditEntry  `json:"audit"`
	CreatedAt         string        `json:"created_at"`
	UpdatedAt         string        `json:"updated_at"`
}

// StartSessionRequest creates a new session.
type StartSessionRequest struct {
	Description string `json:"description"`
}

// FeedbackRequest re-enters generation with a human correction. TargetStage
// optionally names an earlier confirmed stage to roll back to.
type FeedbackRequest struct {
	Feedback    string `json:"feedback"`
	TargetStage string `json:"target_stage,omitempty"`
}
