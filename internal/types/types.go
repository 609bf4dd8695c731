// Package types provides domain models shared across redirector components.
//
// Zero-dependency design: types.go, rules.go and errors.go use only the
// standard library so that import adapters and transports can depend on the
// canonical shapes without pulling in the engine. ID utilities in ids.go
// import uuid but are isolated.
package types

import (
	"fmt"
	"strings"
)

// RuleID represents a UUIDv7 rule identifier.
// String alias enables type safety while maintaining JSON string serialization.
// UUIDv7 time-ordering makes lexical order equal to creation order.
type RuleID string

// PatternType selects one of the five matching behaviors of a SourcePattern.
// Closed set: every switch over PatternType must handle all five.
type PatternType string

const (
	PatternExact      PatternType = "exact"
	PatternStartsWith PatternType = "starts_with"
	PatternEndsWith   PatternType = "ends_with"
	PatternWildcard   PatternType = "wildcard"
	PatternRegex      PatternType = "regex"
)

// PatternTypes lists every valid PatternType in declaration order.
var PatternTypes = []PatternType{PatternExact, PatternStartsWith, PatternEndsWith, PatternWildcard, PatternRegex}

// Valid reports whether t is one of the five known pattern types.
func (t PatternType) Valid() bool {
	switch t {
	case PatternExact, PatternStartsWith, PatternEndsWith, PatternWildcard, PatternRegex:
		return true
	default:
		return false
	}
}

// ParsePatternType accepts the canonical names plus the spellings used by
// common import sources ("prefix", "suffix", "startswith", "regexp", ...).
func ParsePatternType(s string) (PatternType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact", "plain", "url":
		return PatternExact, nil
	case "starts_with", "startswith", "starts-with", "prefix":
		return PatternStartsWith, nil
	case "ends_with", "endswith", "ends-with", "suffix":
		return PatternEndsWith, nil
	case "wildcard", "glob":
		return PatternWildcard, nil
	case "regex", "regexp", "pcre":
		return PatternRegex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPatternType, s)
	}
}

// StatusCode is the HTTP status emitted for a matched rule.
type StatusCode int

const (
	StatusMovedPermanently  StatusCode = 301
	StatusFound             StatusCode = 302
	StatusTemporaryRedirect StatusCode = 307
	StatusGone              StatusCode = 410
	StatusUnavailableLegal  StatusCode = 451
)

// Valid reports whether c is one of the supported status codes.
func (c StatusCode) Valid() bool {
	switch c {
	case StatusMovedPermanently, StatusFound, StatusTemporaryRedirect, StatusGone, StatusUnavailableLegal:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status carries no destination (410, 451).
func (c StatusCode) Terminal() bool {
	return c == StatusGone || c == StatusUnavailableLegal
}

// Resource limits enforced at rule creation to bound per-request cost.
const (
	// MaxSourcesPerRule bounds the per-rule scan during resolution.
	MaxSourcesPerRule = 64

	// MaxPatternLength bounds literal comparisons and regex compilation size.
	MaxPatternLength = 2048

	// MaxDestinationLength bounds the Location header we emit.
	MaxDestinationLength = 2048

	// MaxCaptureGroups is the highest group a template may reference ($99).
	MaxCaptureGroups = 99
)
