package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks the run.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced to the user but does not block the run.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the document (e.g. "evaluations[1].library.id").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// ErrNoContexts is returned when no context definition survives filtering.
var ErrNoContexts = errors.New("at least one context definition is required (after filtering if enabled)")

// ConfigError aggregates every blocking issue found in one document so the
// user can fix them in a single pass.
type ConfigError struct {
	Document string
	Issues   []Issue
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s:", e.Document)
	for _, iss := range e.Issues {
		b.WriteString("\n  ")
		b.WriteString(iss.Path)
		b.WriteString(": ")
		b.WriteString(iss.Message)
	}
	return b.String()
}

// HasErrors reports whether issues contains at least one SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// asConfigError folds the blocking issues into a *ConfigError, or returns nil
// when there are none. Issues are sorted by path for stable output.
func asConfigError(document string, issues []Issue) error {
	var blocking []Issue
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			blocking = append(blocking, iss)
		}
	}
	if len(blocking) == 0 {
		return nil
	}
	sort.SliceStable(blocking, func(i, j int) bool { return blocking[i].Path < blocking[j].Path })
	return &ConfigError{Document: document, Issues: blocking}
}

func errorIssue(path, format string, args ...any) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)}
}

func warningIssue(path, format string, args ...any) Issue {
	return Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)}
}
