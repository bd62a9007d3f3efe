package domain

import "fmt"

// FetchErrorKind classifies a fetch failure for the orchestrator's
// skip-vs-abort decision.
type FetchErrorKind string

const (
	FetchTransient   FetchErrorKind = "transient"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchNotFound    FetchErrorKind = "not_found"
	FetchFatal       FetchErrorKind = "fatal"
)

// FetchError is a typed fetch failure. Transient and RateLimited errors are
// retried inside the fetcher up to its budget; NotFound and Fatal surface
// immediately.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTransient || e.Kind == FetchRateLimited
}

// ParseError reports a markup extraction failure. Structural means the
// expected page container is absent, which signals a source layout change;
// the run must stop early rather than produce systematically wrong data.
// Non-structural parse problems are handled in-page (skip and count) and
// never surface as a ParseError.
type ParseError struct {
	Structural bool
	Reason     string
}

func (e *ParseError) Error() string {
	if e.Structural {
		return "parse: structural failure: " + e.Reason
	}
	return "parse: " + e.Reason
}

// SinkError reports a write failure. Constraint violations indicate a logic
// defect (e.g. a comment referencing an unknown post) and are never
// retried.
type SinkError struct {
	Constraint bool
	Err        error
}

func (e *SinkError) Error() string {
	if e.Constraint {
		return fmt.Sprintf("sink: constraint violation: %v", e.Err)
	}
	return fmt.Sprintf("sink: transient write failure: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
