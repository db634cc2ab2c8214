package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidName returned when a session id or stage name fails validation.
	ErrInvalidName = errors.New("invalid name")
)

const maxNameLen = 64

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxNameLen) + `}$`)

// ValidateName returns nil for allowed session ids and stage names, or
// ErrInvalidName. Rules:
// - Only ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring to avoid traversal attempts.
// - This forbids path separators '/' and '\\' and characters like ':' used in drive letters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("name too long: %w", ErrInvalidName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name contains disallowed '..': %w", ErrInvalidName)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name contains invalid characters: %w", ErrInvalidName)
	}
	return nil
}

// RunDir returns the relative run directory for a session
// (e.g. ".crucible/runs/<session>").
func RunDir(sessionID string) (string, error) {
	if err := ValidateName(sessionID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(".crucible", "runs", sessionID)), nil
}

// StageDir returns the relative directory holding one stage's attempts.
func StageDir(sessionID, stage string) (string, error) {
	if err := ValidateName(sessionID); err != nil {
		return "", err
	}
	if err := ValidateName(stage); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(".crucible", "runs", sessionID, "stages", stage)), nil
}

// AttemptDir returns the relative artifacts dir for one attempt of a stage.
func AttemptDir(sessionID, stage string, attempt int) (string, error) {
	if attempt <= 0 {
		return "", fmt.Errorf("attempt number must be positive: %w", ErrInvalidName)
	}
	dir, err := StageDir(sessionID, stage)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(dir, "attempts", strconv.Itoa(attempt))), nil
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	joined := filepath.Join(root, rel)
	cleaned := filepath.Clean(joined)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(relToRoot, "..") || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
