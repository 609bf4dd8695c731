// internal/rules/normalize.go
package rules

import (
	"strings"

	"github.com/solatis/redirector/internal/types"
)

/*
 * Path and pattern normalization.
 *
 * NormalizeRequest turns a raw request URI into the path used for matching
 * and the query string carried over to the destination. NormalizeSource
 * brings an authored or imported source into canonical stored form.
 * ComparisonKey is the case-folded key used for fingerprints only; stored
 * values keep their original casing.
 *
 * Leading slash: enforced for Exact and StartsWith values, and for Wildcard
 * values that do not begin with '*'. EndsWith and Regex values are never
 * rewritten because a slash would change what they match.
 */

// NormalizeRequest strips fragment and query and ensures a leading slash.
// A leading scheme://host is removed so absolute URIs match like paths.
func NormalizeRequest(raw string) (path, query string) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw, query = raw[:i], raw[i+1:]
	}
	raw = stripSchemeHost(raw)
	if raw == "" {
		return "/", query
	}
	if raw[0] != '/' {
		raw = "/" + raw
	}
	return raw, query
}

// stripSchemeHost removes "scheme://host[:port]" from the front of s.
func stripSchemeHost(s string) string {
	i := strings.Index(s, "://")
	if i <= 0 || !isScheme(s[:i]) {
		return s
	}
	rest := s[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return rest[j:]
	}
	return ""
}

func isScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (isDigit(c) || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return s != ""
}

// NormalizeSource returns src in canonical stored form.
// An empty type defaults to Exact; a Wildcard without '*' becomes Exact.
func NormalizeSource(src types.SourcePattern) types.SourcePattern {
	value := strings.TrimSpace(src.Value)
	typ := src.Type
	if typ == "" {
		typ = types.PatternExact
	}

	switch typ {
	case types.PatternExact, types.PatternStartsWith:
		value = ensureLeadingSlash(stripSchemeHost(value))
	case types.PatternWildcard:
		value = stripSchemeHost(value)
		if !strings.Contains(value, "*") {
			typ = types.PatternExact
		}
		if !strings.HasPrefix(value, "*") {
			value = ensureLeadingSlash(value)
		}
	}

	return types.SourcePattern{Type: typ, Value: value}
}

func ensureLeadingSlash(s string) string {
	if s == "" || s[0] == '/' {
		return s
	}
	return "/" + s
}

// ComparisonKey is the dedup key of a normalized source: case-folded for
// literal types, verbatim for regexes (case is significant in \d vs \D).
func ComparisonKey(src types.SourcePattern) string {
	if src.Type == types.PatternRegex {
		return src.Value
	}
	return strings.ToLower(stripSchemeHost(src.Value))
}
