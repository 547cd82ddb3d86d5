package model

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// ParseError reports a malformed or self-referential document. Nothing runs
// when loading fails with a ParseError.
type ParseError struct {
	Path   string // location inside the document, e.g. services.api or testCases.smoke.steps[2]
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Reason
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "parse error: " + msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(path, format string, args ...any) *ParseError {
	return &ParseError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// UnresolvedReferenceError is returned when a template names something that
// has no binding in the current test case.
type UnresolvedReferenceError struct {
	Template string
	Name     string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q in template %q", e.Name, e.Template)
}

// UnknownStepError is returned when a step id was never bound in this test case.
type UnknownStepError struct {
	StepID string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("step %q has not produced a value in this test case", e.StepID)
}

type ErrorKind string

const (
	KindNetwork  ErrorKind = "Network"
	KindTimeout  ErrorKind = "Timeout"
	KindProtocol ErrorKind = "Protocol"
)

// StepExecutionError is a handler-level failure.
type StepExecutionError struct {
	StepID string
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StepExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(" error")
	if e.StepID != "" {
		sb.WriteString(" in step ")
		sb.WriteString(e.StepID)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

func NetworkError(detail string, err error) *StepExecutionError {
	return &StepExecutionError{Kind: KindNetwork, Detail: detail, Err: err}
}

func TimeoutError(detail string, err error) *StepExecutionError {
	return &StepExecutionError{Kind: KindTimeout, Detail: detail, Err: err}
}

func ProtocolError(detail string, err error) *StepExecutionError {
	return &StepExecutionError{Kind: KindProtocol, Detail: detail, Err: err}
}

// IsKind reports whether err carries a StepExecutionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StepExecutionError
	return errors.As(err, &se) && se.Kind == kind
}

// AssertionFailure is recorded when an expect block did not hold.
type AssertionFailure struct {
	StepID  string
	Results []AssertionResult
}

func (e *AssertionFailure) Error() string {
	failed := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if !r.Passed {
			failed = append(failed, r.Message)
		}
	}
	return fmt.Sprintf("step %s: %s", e.StepID, strings.Join(failed, "; "))
}

// SchemaViolation is one entry of the validator's error list.
type SchemaViolation struct {
	InstancePath string `json:"instancePath"`
	KeywordPath  string `json:"keywordPath"`
	Message      string `json:"message"`
}

// SchemaValidationError carries the validator's structured non-conformance report.
type SchemaValidationError struct {
	Violations []SchemaViolation
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		path := v.InstancePath
		if path == "" {
			path = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", path, v.Message))
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}
