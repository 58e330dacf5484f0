// Package errors defines the failure classes of daqd. Callers match them
// with Is; the category helpers decide whether the scheduler keeps a task.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrConfiguration covers invalid partition modes, non-positive lookback
	// windows and invalid reporting intervals. Fatal at construction.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceUnavailable is reported when a source bucket path does not
	// exist. Non-fatal: the cycle continues with zero candidates.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrStagingFailure is reported when copying or archiving a single file
	// failed. Non-fatal: the remaining candidates are still attempted.
	ErrStagingFailure = errors.New("staging failure")

	// ErrRotationIO is reported when the active bin file cannot be opened,
	// created or appended to. Hard failure for the tick.
	ErrRotationIO = errors.New("rotation I/O failure")

	// ErrInstrumentIO is reported by instrument clients when a command
	// exchange fails or times out.
	ErrInstrumentIO = errors.New("instrument I/O failure")

	// ErrLockHeld is returned when another process already owns an instrument.
	ErrLockHeld = errors.New("instrument lock held by another process")

	// ErrMissingField is returned for absent required configuration.
	ErrMissingField = errors.New("missing required field")

	// ErrNotFound is returned by lookups that find nothing.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when using a component after Close.
	ErrClosed = errors.New("closed")
)

// ============================================================================
// Typed errors
// ============================================================================

// SourceError reports a missing or unreadable source bucket.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("source %s does not exist", e.Path)
}

// Unwrap returns ErrSourceUnavailable plus the underlying cause.
func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceUnavailable}
	}
	return []error{ErrSourceUnavailable, e.Err}
}

// StagingError reports a failed copy or archive step for one file.
type StagingError struct {
	File  string
	Stage string // "archive-copy", "stage-raw", "stage-zip", "move"
	Err   error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.File, e.Stage, e.Err)
}

// Unwrap returns ErrStagingFailure plus the underlying cause.
func (e *StagingError) Unwrap() []error {
	return []error{ErrStagingFailure, e.Err}
}

// RotationError reports a failed operation on a rotation file.
type RotationError struct {
	Path string
	Op   string // "mkdir", "open", "header", "append", "close"
	Err  error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotation %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns ErrRotationIO plus the underlying cause.
func (e *RotationError) Unwrap() []error {
	return []error{ErrRotationIO, e.Err}
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsConfiguration returns true if err prevents an instrument from running.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrLockHeld)
}

// IsNonFatal returns true for failures local to a single file or bucket.
// Such failures never abort a sync cycle.
func IsNonFatal(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrStagingFailure)
}

// OnlySourceUnavailable reports whether every error joined into err is a
// SourceError. A cycle that failed only that way still did its work on the
// buckets that exist.
func OnlySourceUnavailable(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *SourceError:
		return true
	case interface{ Unwrap() []error }:
		errs := e.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, child := range errs {
			if !OnlySourceUnavailable(child) {
				return false
			}
		}
		return true
	case interface{ Unwrap() error }:
		return OnlySourceUnavailable(e.Unwrap())
	}
	return false
}

// IsRetriable returns true if the next scheduled tick may succeed.
func IsRetriable(err error) bool {
	return IsNonFatal(err) ||
		errors.Is(err, ErrRotationIO) ||
		errors.Is(err, ErrInstrumentIO)
}

// Wrapf prefixes err with a formatted context. A nil err stays nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// NewConfiguration reports an unusable value for field.
func NewConfiguration(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrConfiguration)
}

// NewMissingField reports an absent required field.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue is NewConfiguration with the offending value quoted.
func NewInvalidValue(field string, value any, reason string) error {
	return fmt.Errorf("invalid %s %q: %s: %w", field, fmt.Sprint(value), reason, ErrConfiguration)
}

// ============================================================================
// Validation errors
// ============================================================================

// ValidationErrors collects every problem found in a configuration so they
// can be reported together instead of one per run.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors returns an empty collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add appends err unless it is nil.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField appends a NewConfiguration error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Add(NewConfiguration(field, reason))
}

// AddMissing appends a NewMissingField error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Add(NewMissingField(field))
}

func (v *ValidationErrors) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return v.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d configuration problems:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns v, or nil when nothing was collected.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to Is and As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
