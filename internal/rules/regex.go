// internal/rules/regex.go
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/solatis/redirector/internal/types"
)

/*
 * Regex dialect for Regex sources.
 *
 * Patterns compile with regexp2 (backtracking, PCRE-like syntax) because
 * imported rules come from PHP-era tooling that relies on lookarounds and
 * PCRE delimiters. Backtracking admits catastrophic patterns, so every
 * compiled regex carries a MatchTimeout: the per-request evaluation budget.
 * A match that runs out of budget is reported as ErrRegexBudgetExceeded and
 * the caller treats it as a non-match for that rule.
 *
 * Accepted spellings:
 *   - bare:      ^/product-(\d+)$
 *   - delimited: /^\/product-(\d+)$/i   (delimiters / # ~ @ % ! |)
 *
 * Anchoring: the pattern must start with ^ (or \A) and end with an unescaped
 * $ (or \z, \Z), and may not alternate at the top level: ^/a|/b$ reads as
 * (^/a)|(/b$). Anchors are never added on the author's behalf.
 */

// DefaultRegexBudget bounds a single regex evaluation on the request path.
const DefaultRegexBudget = 25 * time.Millisecond

const regexDelimiters = "/#~@%!|"

// compiledRegex is a budgeted regexp2 program plus its capture count.
type compiledRegex struct {
	re     *regexp2.Regexp
	groups int
}

// splitDelimited strips PCRE delimiters and returns the body and flag letters.
// ok is false when value is not in delimited form.
func splitDelimited(value string) (body, flags string, ok bool) {
	if len(value) < 2 || !strings.ContainsRune(regexDelimiters, rune(value[0])) {
		return "", "", false
	}
	delim := value[0]
	end := strings.LastIndexByte(value, delim)
	if end <= 0 {
		return "", "", false
	}
	flags = value[end+1:]
	for _, f := range flags {
		if !strings.ContainsRune("imsxuU", f) {
			return "", "", false
		}
	}
	return value[1:end], flags, true
}

// isAnchored reports whether every match of body spans the whole input.
func isAnchored(body string) bool {
	if hasTopLevelAlternation(body) {
		return false
	}
	start := strings.HasPrefix(body, "^") || strings.HasPrefix(body, `\A`)
	if !start {
		return false
	}
	if strings.HasSuffix(body, `\z`) || strings.HasSuffix(body, `\Z`) {
		return !escapedAt(body, len(body)-2)
	}
	return strings.HasSuffix(body, "$") && !escapedAt(body, len(body)-1)
}

// hasTopLevelAlternation reports whether body contains a | outside every
// group and character class.
func hasTopLevelAlternation(body string) bool {
	depth := 0
	inClass := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\':
			i++
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
			// A ] first in the class (after an optional ^) is literal.
			if i+1 < len(body) && body[i+1] == '^' {
				i++
			}
			if i+1 < len(body) && body[i+1] == ']' {
				i++
			}
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case c == '|' && depth == 0:
			return true
		}
	}
	return false
}

// escapedAt reports whether the byte at i is preceded by an odd run of backslashes.
func escapedAt(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// compileRegex validates and compiles a Regex source value.
func compileRegex(value string, fold bool, budget time.Duration) (*compiledRegex, error) {
	body := value
	var opts regexp2.RegexOptions
	if inner, flags, ok := splitDelimited(value); ok {
		body = inner
		for _, f := range flags {
			switch f {
			case 'i':
				opts |= regexp2.IgnoreCase
			case 'm':
				opts |= regexp2.Multiline
			case 's':
				opts |= regexp2.Singleline
			case 'x':
				opts |= regexp2.IgnorePatternWhitespace
			}
		}
	}
	if fold {
		opts |= regexp2.IgnoreCase
	}

	re, err := regexp2.Compile(body, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRegex, err)
	}
	if !isAnchored(body) {
		return nil, fmt.Errorf("%w: pattern must be anchored with ^ and $ without top-level alternation", types.ErrInvalidRegex)
	}

	groups := 0
	for _, n := range re.GetGroupNumbers() {
		if n > groups {
			groups = n
		}
	}
	if groups > types.MaxCaptureGroups {
		return nil, fmt.Errorf("%w: %d capture groups (max %d)", types.ErrInvalidRegex, groups, types.MaxCaptureGroups)
	}

	if budget <= 0 {
		budget = DefaultRegexBudget
	}
	re.MatchTimeout = budget

	return &compiledRegex{re: re, groups: groups}, nil
}

// match runs the budgeted regex. Groups[0] is the whole match.
func (c *compiledRegex) match(path string) ([]string, bool, error) {
	m, err := c.re.FindStringMatch(path)
	if err != nil {
		// regexp2 only fails a match when MatchTimeout elapses.
		return nil, false, fmt.Errorf("%w: %v", types.ErrRegexBudgetExceeded, err)
	}
	if m == nil {
		return nil, false, nil
	}
	groups := make([]string, c.groups+1)
	for i := 0; i <= c.groups; i++ {
		if g := m.GroupByNumber(i); g != nil && len(g.Captures) > 0 {
			groups[i] = g.String()
		}
	}
	return groups, true, nil
}
