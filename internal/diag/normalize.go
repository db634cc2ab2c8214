// Package diag normalizes raw verifier output into the uniform diagnostic
// model. Each normalizer is a pure function so it can be tested against
// captured tool-output fixtures.
package diag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/throw-if-null/crucible/internal/api"
)

// Output formats a verifier can be declared with.
const (
	FormatLines    = "lines"    // gcc-style "file:line[:col]: severity: message"
	FormatJSONL    = "jsonl"    // one JSON object per line
	FormatExitCode = "exitcode" // tool reports only via its exit status
)

// KnownFormat reports whether f names a supported normalizer.
func KnownFormat(f string) bool {
	switch f {
	case FormatLines, FormatJSONL, FormatExitCode:
		return true
	}
	return false
}

// Normalize parses raw tool output into ordered diagnostics. The contract:
// the result is complete even when the tool misbehaved. A non-zero exit with
// no tool-reported finding is synthesized into a single fatal diagnostic, so
// the task runner never sees a silent failure.
func Normalize(format, source string, exitCode int, stdout, stderr string) []api.Diagnostic {
	var out []api.Diagnostic
	switch format {
	case FormatJSONL:
		out = parseJSONL(source, stdout)
	case FormatExitCode:
		if exitCode != 0 {
			out = append(out, api.Diagnostic{
				Severity: api.SeverityError,
				Source:   source,
				Message:  exitMessage(exitCode, stderr, stdout),
			})
		}
		return out
	default:
		out = parseLines(source, stdout)
		out = append(out, parseLines(source, stderr)...)
	}

	if exitCode != 0 && !hasBlocking(out) {
		// Tool failed without reporting anything actionable.
		out = append(out, api.Diagnostic{
			Severity: api.SeverityFatal,
			Source:   source,
			Message:  exitMessage(exitCode, stderr, stdout),
		})
	}
	return out
}

// Timeout synthesizes the fatal diagnostic for a verifier that exceeded its
// deadline.
func Timeout(source string) api.Diagnostic {
	return api.Diagnostic{Severity: api.SeverityFatal, Source: source, Message: "timeout"}
}

// ExecFailure synthesizes the fatal diagnostic for a verifier process that
// could not be started or crashed outside its own reporting.
func ExecFailure(source string, err error) api.Diagnostic {
	return api.Diagnostic{Severity: api.SeverityFatal, Source: source, Message: err.Error()}
}

var lineRe = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s*(fatal|error|warning)\s*:?\s*(.+)$`)
var bareRe = regexp.MustCompile(`^(fatal|error|warning)\s*:\s*(.+)$`)

func parseLines(source, text string) []api.Diagnostic {
	var out []api.Diagnostic
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := lineRe.FindStringSubmatch(line); m != nil {
			ln, _ := strconv.Atoi(m[2])
			col := 0
			if m[3] != "" {
				col, _ = strconv.Atoi(m[3])
			}
			out = append(out, api.Diagnostic{
				Severity: api.Severity(m[4]),
				Source:   source,
				Message:  strings.TrimSpace(m[5]),
				Location: &api.Location{File: m[1], Line: ln, Col: col},
			})
			continue
		}
		if m := bareRe.FindStringSubmatch(line); m != nil {
			out = append(out, api.Diagnostic{
				Severity: api.Severity(m[1]),
				Source:   source,
				Message:  strings.TrimSpace(m[2]),
			})
		}
	}
	return out
}

type jsonlRecord struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
}

func parseJSONL(source, text string) []api.Diagnostic {
	var out []api.Diagnostic
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Message == "" {
			continue
		}
		d := api.Diagnostic{
			Severity: severityOf(rec.Severity),
			Source:   source,
			Message:  rec.Message,
		}
		if rec.File != "" {
			d.Location = &api.Location{File: rec.File, Line: rec.Line, Col: rec.Col}
		}
		out = append(out, d)
	}
	return out
}

// severityOf maps tool severities onto the three-level model. Unknown levels
// degrade to error so they are never silently accepted.
func severityOf(s string) api.Severity {
	switch strings.ToLower(s) {
	case "fatal", "panic":
		return api.SeverityFatal
	case "warning", "warn", "info", "hint", "note":
		return api.SeverityWarning
	default:
		return api.SeverityError
	}
}

func hasBlocking(ds []api.Diagnostic) bool {
	for _, d := range ds {
		if d.Severity == api.SeverityFatal || d.Severity == api.SeverityError {
			return true
		}
	}
	return false
}

func exitMessage(exitCode int, stderr, stdout string) string {
	tail := lastNonEmptyLine(stderr)
	if tail == "" {
		tail = lastNonEmptyLine(stdout)
	}
	if tail == "" {
		return fmt.Sprintf("exited with code %d", exitCode)
	}
	return fmt.Sprintf("exited with code %d: %s", exitCode, tail)
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			return t
		}
	}
	return ""
}
