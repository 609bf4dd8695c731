// internal/rules/compile.go
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solatis/redirector/internal/types"
)

/*
 * Pattern compilation.
 *
 * Compiles a (PatternType, value) pair into a Matcher: a closed tagged variant
 * whose Match method switches exhaustively over the five pattern types.
 * Compiles a types.Rule into a CompiledRule whose sources each carry a
 * matcher and a pre-parsed destination template.
 *
 * Compilation workflow:
 *   1. Validate value (non-empty, length limit, wildcard star count)
 *   2. Build the type-specific matcher (regex compiled with its budget)
 *   3. Parse the destination template for the source's capture model
 *   4. Validate template references against the captures the source yields
 *
 * Why compile-time validation: every rejection (bad regex, bad capture
 * reference) surfaces when the rule is authored or imported, never while a
 * request is being served.
 *
 * Wildcard fallback: a Wildcard value without '*' compiles as Exact.
 */

// Options tune pattern compilation and resolution.
type Options struct {
	// CaseInsensitive folds case for literal comparisons and adds IgnoreCase to regexes.
	CaseInsensitive bool

	// RegexBudget bounds one regex evaluation; zero means DefaultRegexBudget.
	RegexBudget time.Duration

	// CacheSize is the per-snapshot resolution cache size; zero disables caching.
	CacheSize int
}

// Capture holds what a source extracted from the request path.
// Wildcard is the middle segment; Groups[0..N] are regex groups.
type Capture struct {
	Wildcard string
	Groups   []string
}

// Matcher is a compiled source pattern.
type Matcher struct {
	Type  types.PatternType
	value string // literal for exact/starts_with/ends_with
	// wildcard halves around the single '*'
	prefix string
	suffix string
	regex  *compiledRegex
	fold   bool
}

// CompilePattern validates and compiles a single source pattern.
func CompilePattern(src types.SourcePattern, opts Options) (*Matcher, error) {
	if src.Value == "" {
		return nil, types.ErrEmptySourceValue
	}
	if len(src.Value) > types.MaxPatternLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", types.ErrPatternTooLong, len(src.Value), types.MaxPatternLength)
	}

	m := &Matcher{Type: src.Type, fold: opts.CaseInsensitive}

	switch src.Type {
	case types.PatternExact, types.PatternStartsWith, types.PatternEndsWith:
		m.value = src.Value
	case types.PatternWildcard:
		switch strings.Count(src.Value, "*") {
		case 0:
			m.Type = types.PatternExact
			m.value = src.Value
		case 1:
			star := strings.IndexByte(src.Value, '*')
			m.prefix = src.Value[:star]
			m.suffix = src.Value[star+1:]
		default:
			return nil, types.ErrInvalidWildcard
		}
	case types.PatternRegex:
		re, err := compileRegex(src.Value, opts.CaseInsensitive, opts.RegexBudget)
		if err != nil {
			return nil, err
		}
		m.regex = re
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidPatternType, src.Type)
	}

	return m, nil
}

// Groups returns the number of regex capture groups (0 for non-regex matchers).
func (m *Matcher) Groups() int {
	if m.regex == nil {
		return 0
	}
	return m.regex.groups
}

// ExactKey is the exact-table key for an Exact matcher.
func (m *Matcher) ExactKey() string {
	return foldKey(m.value, m.fold)
}

// Match evaluates path. The error is non-nil only when a regex exceeds its
// budget or fails internally; callers treat it as a non-match.
func (m *Matcher) Match(path string) (Capture, bool, error) {
	switch m.Type {
	case types.PatternExact:
		if m.fold {
			return Capture{}, strings.EqualFold(path, m.value), nil
		}
		return Capture{}, path == m.value, nil
	case types.PatternStartsWith:
		return Capture{}, hasPrefix(path, m.value, m.fold), nil
	case types.PatternEndsWith:
		return Capture{}, hasSuffix(path, m.value, m.fold), nil
	case types.PatternWildcard:
		if len(path) < len(m.prefix)+len(m.suffix) {
			return Capture{}, false, nil
		}
		if !hasPrefix(path, m.prefix, m.fold) || !hasSuffix(path, m.suffix, m.fold) {
			return Capture{}, false, nil
		}
		return Capture{Wildcard: path[len(m.prefix) : len(path)-len(m.suffix)]}, true, nil
	case types.PatternRegex:
		groups, ok, err := m.regex.match(path)
		if err != nil || !ok {
			return Capture{}, false, err
		}
		return Capture{Groups: groups}, true, nil
	default:
		return Capture{}, false, nil
	}
}

func hasPrefix(s, prefix string, fold bool) bool {
	if !fold {
		return strings.HasPrefix(s, prefix)
	}
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func hasSuffix(s, suffix string, fold bool) bool {
	if !fold {
		return strings.HasSuffix(s, suffix)
	}
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

func foldKey(s string, fold bool) string {
	if fold {
		return strings.ToLower(s)
	}
	return s
}

// CompiledSource is a source matcher paired with its destination template.
type CompiledSource struct {
	Pattern  types.SourcePattern
	Matcher  *Matcher
	template template
}

// CompiledRule is fully pre-processed and ready for resolution.
type CompiledRule struct {
	ID          types.RuleID
	StatusCode  types.StatusCode
	Destination string
	Sources     []CompiledSource
}

// hasNonExact reports whether the rule needs a slot in the ordered scan.
func (r *CompiledRule) hasNonExact() bool {
	for i := range r.Sources {
		if r.Sources[i].Matcher.Type != types.PatternExact {
			return true
		}
	}
	return false
}

// CompileRule compiles every source of rule and validates the destination
// template against each. Errors are *types.ValidationError.
func CompileRule(rule *types.Rule, opts Options) (*CompiledRule, error) {
	if len(rule.Sources) == 0 {
		return nil, types.NewValidationError("sources", types.ErrNoSources, "")
	}
	if len(rule.Sources) > types.MaxSourcesPerRule {
		return nil, types.NewValidationError("sources", types.ErrTooManySources,
			fmt.Sprintf("%d sources (max %d)", len(rule.Sources), types.MaxSourcesPerRule))
	}
	if !rule.StatusCode.Valid() {
		return nil, types.NewValidationError("status_code", types.ErrInvalidStatusCode,
			fmt.Sprintf("%d", rule.StatusCode))
	}

	dest := rule.Destination
	if rule.StatusCode.Terminal() {
		dest = ""
	} else {
		if dest == "" {
			return nil, types.NewValidationError("destination", types.ErrMissingDestination, "")
		}
		if len(dest) > types.MaxDestinationLength {
			return nil, types.NewValidationError("destination", types.ErrPatternTooLong,
				fmt.Sprintf("%d bytes (max %d)", len(dest), types.MaxDestinationLength))
		}
	}

	compiled := &CompiledRule{
		ID:          rule.ID,
		StatusCode:  rule.StatusCode,
		Destination: dest,
		Sources:     make([]CompiledSource, 0, len(rule.Sources)),
	}

	for i, src := range rule.Sources {
		m, err := CompilePattern(src, opts)
		if err != nil {
			return nil, types.NewSourceError(i, unwrapSentinel(err), detailOf(err))
		}
		tmpl, err := parseTemplate(dest, m)
		if err != nil {
			return nil, types.NewValidationError("destination", unwrapSentinel(err), detailOf(err))
		}
		compiled.Sources = append(compiled.Sources, CompiledSource{
			Pattern:  src,
			Matcher:  m,
			template: tmpl,
		})
	}

	return compiled, nil
}

// sentinels lists the errors a ValidationError may carry.
var sentinels = []error{
	types.ErrInvalidRegex,
	types.ErrBadCaptureReference,
	types.ErrEmptySourceValue,
	types.ErrPatternTooLong,
	types.ErrInvalidWildcard,
	types.ErrInvalidPatternType,
}

// unwrapSentinel returns the sentinel behind err so ValidationError.Err is
// always comparable with ==.
func unwrapSentinel(err error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s
		}
	}
	return err
}

// detailOf returns the text after the sentinel prefix, if any.
func detailOf(err error) string {
	s := unwrapSentinel(err)
	if s == err {
		return ""
	}
	return strings.TrimPrefix(strings.TrimPrefix(err.Error(), s.Error()), ": ")
}
