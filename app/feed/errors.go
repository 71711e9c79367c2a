package feed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRunInProgress = errors.New("run already in progress")
)

// FormatError reports a payload that could not be parsed into any record.
// It is fatal to the run that produced it.
type FormatError struct {
	Format Format
	Reason string
	Errors []ParseError
}

func (e *FormatError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("unparseable payload: %s", e.Reason)
	}
	return fmt.Sprintf("unparseable %s payload: %s", e.Format, e.Reason)
}

// ParseError is a record-level validation failure. The batch it came from
// keeps going.
type ParseError struct {
	Record int    `json:"record"` // 1-based record number within the payload
	Line   int    `json:"line,omitempty"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// RecordValidationError is the name the error taxonomy uses for ParseError.
type RecordValidationError = ParseError

func (e ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "record %d", e.Record)
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// FetchError wraps a failure to retrieve a source payload. It drives retry
// and backoff in the scheduler.
type FetchError struct {
	SourceID   string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("fetch %s: timed out: %v", e.SourceID, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: HTTP %d", e.SourceID, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %v", e.SourceID, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DuplicateResolutionConflict means the store held more than one canonical
// item for a content hash. It is an integrity violation.
type DuplicateResolutionConflict struct {
	ContentHash  string
	CanonicalIDs []string
}

func (e *DuplicateResolutionConflict) Error() string {
	return fmt.Sprintf("integrity violation: %d canonical items for hash %s: %s",
		len(e.CanonicalIDs), e.ContentHash, strings.Join(e.CanonicalIDs, ", "))
}

// ValidationError rejects a bad custom feed or source definition before any
// read happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsFormatError(err error) bool {
	var f *FormatError
	return errors.As(err, &f)
}

func IsFetchError(err error) bool {
	var f *FetchError
	return errors.As(err, &f)
}
