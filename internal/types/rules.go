// internal/types/rules.go
package types

import "time"

/*
 * Domain types for redirect rules.
 *
 * Provides Rule, SourcePattern, RuleDraft, CandidateRule and Match used by
 * internal/rules for compilation and resolution. These types are transport
 * agnostic: HTTP/gRPC/import adapters convert into them at the boundary.
 *
 * Key types:
 *   - Rule: persisted redirect definition (sources, destination, status)
 *   - SourcePattern: one matchable expression (type + authored value)
 *   - RuleDraft: authoring input before validation and id assignment
 *   - CandidateRule: canonical import shape produced by import adapters
 *   - Match: outcome of a successful resolution
 */

// SourcePattern is one matchable expression within a rule.
type SourcePattern struct {
	Type  PatternType `json:"type" yaml:"type"`
	Value string      `json:"value" yaml:"value"`
}

// Rule is the unit of configuration. Sources are ordered; a rule matches if
// any source matches. Destination is empty for terminal status codes.
type Rule struct {
	ID             RuleID          `json:"id"`
	Sources        []SourcePattern `json:"sources"`
	Destination    string          `json:"destination,omitempty"`
	StatusCode     StatusCode      `json:"status_code"`
	Active         bool            `json:"active"`
	HitCount       uint64          `json:"hit_count"`
	LastAccessedAt *time.Time      `json:"last_accessed_at,omitempty"`
	Description    string          `json:"description,omitempty"`
	Fingerprint    string          `json:"fingerprint"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RuleDraft is the authoring input validated by ValidateRule.
// Active is a pointer: omitted, it defaults to true on create and keeps the
// stored state on update.
type RuleDraft struct {
	Sources     []SourcePattern `json:"sources" yaml:"sources"`
	Destination string          `json:"destination" yaml:"destination"`
	StatusCode  StatusCode      `json:"status_code" yaml:"status_code"`
	Active      *bool           `json:"active,omitempty" yaml:"active,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// CandidateRule is the canonical shape every import adapter yields,
// regardless of the originating plugin's native schema.
type CandidateRule struct {
	Sources     []SourcePattern `json:"sources" yaml:"sources"`
	Destination string          `json:"destination" yaml:"destination"`
	StatusCode  StatusCode      `json:"status" yaml:"status"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// Draft converts a candidate into an active RuleDraft.
func (c CandidateRule) Draft() RuleDraft {
	active := true
	return RuleDraft{
		Sources:     c.Sources,
		Destination: c.Destination,
		StatusCode:  c.StatusCode,
		Active:      &active,
		Description: c.Description,
	}
}

// Match is the outcome of a successful resolution.
// Destination is empty when StatusCode is terminal (410/451).
type Match struct {
	RuleID      RuleID     `json:"rule_id"`
	StatusCode  StatusCode `json:"status_code"`
	Destination string     `json:"destination,omitempty"`
}

// HasDestination reports whether a Location header should be emitted.
func (m Match) HasDestination() bool {
	return !m.StatusCode.Terminal() && m.Destination != ""
}

// ImportResult summarises one Import call.
// Skipped = Duplicates + Invalid + Failed.
type ImportResult struct {
	Imported   int              `json:"imported"`
	Skipped    int              `json:"skipped"`
	Duplicates int              `json:"duplicates"`
	Invalid    int              `json:"invalid"`
	Failed     int              `json:"failed"`
	Errors     []CandidateError `json:"errors,omitempty"`
}

// CandidateError records why a candidate at Index was not imported.
type CandidateError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}
