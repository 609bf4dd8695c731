// Package adapters converts import sources into candidate rules.
//
// Adapters are pure: they read a document and yield []types.CandidateRule
// without touching storage. Candidate validity is decided by the import
// engine, so an adapter only rejects documents it cannot read at all.
package adapters

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/solatis/redirector/internal/types"
)

// Supported import formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Formats lists the accepted format names.
var Formats = []string{FormatCSV, FormatJSON, FormatYAML}

// Parse reads r in the named format.
func Parse(format string, r io.Reader) ([]types.CandidateRule, error) {
	switch strings.ToLower(format) {
	case FormatCSV:
		return ParseCSV(r)
	case FormatJSON:
		return ParseJSON(r)
	case FormatYAML, "yml":
		return ParseYAML(r)
	default:
		return nil, fmt.Errorf("unsupported import format %q (expected csv, json or yaml)", format)
	}
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, true
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

// patternType maps an authored type name to a PatternType. Unknown names
// pass through unchanged so the engine reports them as invalid candidates.
func patternType(raw, value string) types.PatternType {
	if strings.TrimSpace(raw) == "" {
		if strings.Contains(value, "*") {
			return types.PatternWildcard
		}
		return types.PatternExact
	}
	t, err := types.ParsePatternType(raw)
	if err != nil {
		return types.PatternType(raw)
	}
	return t
}
