package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for redirector operations.
var (
	// ErrInvalidRegex indicates a regex source failed to compile or is not anchored.
	ErrInvalidRegex = errors.New("invalid regular expression")

	// ErrMissingDestination indicates a redirecting rule has no destination template.
	ErrMissingDestination = errors.New("destination required for redirect status")

	// ErrBadCaptureReference indicates the destination references a capture the pattern does not produce.
	ErrBadCaptureReference = errors.New("destination references a capture not produced by the pattern")

	// ErrNoSources indicates a rule without source patterns.
	ErrNoSources = errors.New("rule has no source patterns")

	// ErrEmptySourceValue indicates a source pattern with an empty value.
	ErrEmptySourceValue = errors.New("source pattern value is empty")

	// ErrInvalidStatusCode indicates a status outside 301/302/307/410/451.
	ErrInvalidStatusCode = errors.New("unsupported status code")

	// ErrInvalidPatternType indicates an unknown pattern type.
	ErrInvalidPatternType = errors.New("unknown pattern type")

	// ErrInvalidWildcard indicates a wildcard source with more than one '*'.
	ErrInvalidWildcard = errors.New("wildcard pattern must contain exactly one '*'")

	// ErrTooManySources indicates a rule exceeds MaxSourcesPerRule.
	ErrTooManySources = errors.New("rule has too many source patterns")

	// ErrPatternTooLong indicates a source or destination exceeds its length limit.
	ErrPatternTooLong = errors.New("pattern exceeds maximum length")

	// ErrRuleNotFound indicates no rule exists for the given id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule indicates an active rule with the same fingerprint already exists.
	ErrDuplicateRule = errors.New("an identical active rule already exists")

	// ErrRegexBudgetExceeded indicates a regex match ran past its evaluation budget.
	ErrRegexBudgetExceeded = errors.New("regex evaluation budget exceeded")
)

// ValidationError is a creation-time rejection with the offending field.
// Index is the source position for source-level failures, -1 otherwise.
type ValidationError struct {
	Field  string
	Index  int
	Err    error
	Detail string
}

// NewValidationError builds a rule-level ValidationError.
func NewValidationError(field string, err error, detail string) *ValidationError {
	return &ValidationError{Field: field, Index: -1, Err: err, Detail: detail}
}

// NewSourceError builds a ValidationError for the source at position idx.
func NewSourceError(idx int, err error, detail string) *ValidationError {
	return &ValidationError{Field: "sources", Index: idx, Err: err, Detail: detail}
}

func (e *ValidationError) Error() string {
	field := e.Field
	if e.Index >= 0 {
		field = fmt.Sprintf("%s[%d]", e.Field, e.Index)
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", field, e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a creation-time rejection.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
