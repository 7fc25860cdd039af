package main

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a run stopped. main maps every kind to exit code 1;
// the kind only changes how the diagnostic is worded.
type ErrorKind int

const (
	KindUsage ErrorKind = iota + 1
	KindInput
	KindConfig
	KindRemote
	KindState
)

func (k ErrorKind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindInput:
		return "input"
	case KindConfig:
		return "configuration"
	case KindRemote:
		return "remote"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// RunError is a fatal condition raised by one step of a run.
type RunError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RunError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func newRunError(kind ErrorKind, op string, err error) *RunError {
	return &RunError{Kind: kind, Op: op, Err: err}
}

func configErrorf(op, format string, args ...any) *RunError {
	return newRunError(KindConfig, op, fmt.Errorf(format, args...))
}

// errorKind returns the kind of the first RunError in err's chain. Bare
// APIErrors count as remote errors.
func errorKind(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return KindRemote
	}
	return 0
}

// APIError is returned for any non-2xx response from the policy or property API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d: %s %s", e.StatusCode, e.Method, e.URL)
	if body := strings.TrimSpace(e.Body); body != "" {
		fmt.Fprintf(&b, ": %s", truncate(body, 2048))
	}
	return b.String()
}

// truncate shortens s to maxLen characters, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
