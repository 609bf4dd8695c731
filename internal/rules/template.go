// internal/rules/template.go
package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/redirector/internal/types"
)

/*
 * Destination templates.
 *
 * A destination is parsed once per source at compile time into literal
 * segments and capture references, so expansion on the request path is a
 * single pass of string appends.
 *
 * Capture models by source type:
 *   - Exact / StartsWith / EndsWith: no captures, destination is verbatim
 *   - Wildcard: at most one '*', replaced by the captured middle segment
 *   - Regex: $N, ${N} (N <= capture count, $0 = whole match), $$ = '$'
 */

// segment is either a literal (ref < 0) or a capture reference.
type segment struct {
	lit string
	ref int
}

type template struct {
	segments []segment
}

// wildcardRef marks the single '*' of a Wildcard destination.
const wildcardRef = 0

// parseTemplate parses dest for the capture model of m and validates refs.
func parseTemplate(dest string, m *Matcher) (template, error) {
	if dest == "" {
		return template{}, nil
	}
	switch m.Type {
	case types.PatternWildcard:
		return parseWildcardTemplate(dest)
	case types.PatternRegex:
		return parseRegexTemplate(dest, m.Groups())
	default:
		return template{segments: []segment{{lit: dest, ref: -1}}}, nil
	}
}

func parseWildcardTemplate(dest string) (template, error) {
	switch strings.Count(dest, "*") {
	case 0:
		return template{segments: []segment{{lit: dest, ref: -1}}}, nil
	case 1:
		star := strings.IndexByte(dest, '*')
		return template{segments: []segment{
			{lit: dest[:star], ref: -1},
			{ref: wildcardRef},
			{lit: dest[star+1:], ref: -1},
		}}, nil
	default:
		return template{}, fmt.Errorf("%w: wildcard destination may contain at most one '*'", types.ErrBadCaptureReference)
	}
}

func parseRegexTemplate(dest string, groups int) (template, error) {
	var segs []segment
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{lit: lit.String(), ref: -1})
			lit.Reset()
		}
	}

	for i := 0; i < len(dest); i++ {
		c := dest[i]
		if c != '$' || i+1 >= len(dest) {
			lit.WriteByte(c)
			continue
		}
		next := dest[i+1]
		switch {
		case next == '$':
			lit.WriteByte('$')
			i++
		case next == '{':
			end := strings.IndexByte(dest[i+2:], '}')
			if end <= 0 || end > 2 || !allDigits(dest[i+2:i+2+end]) {
				lit.WriteByte(c)
				continue
			}
			n := atoi(dest[i+2 : i+2+end])
			if n > groups {
				return template{}, fmt.Errorf("%w: ${%d} but pattern has %d groups", types.ErrBadCaptureReference, n, groups)
			}
			flush()
			segs = append(segs, segment{ref: n})
			i += 2 + end
		case isDigit(next):
			j := i + 2
			if j < len(dest) && isDigit(dest[j]) {
				j++
			}
			n := atoi(dest[i+1 : j])
			if n > groups {
				return template{}, fmt.Errorf("%w: $%d but pattern has %d groups", types.ErrBadCaptureReference, n, groups)
			}
			flush()
			segs = append(segs, segment{ref: n})
			i = j - 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()

	return template{segments: segs}, nil
}

// expand renders the template with the captures of one match.
func (t template) expand(c Capture, typ types.PatternType) string {
	if len(t.segments) == 1 && t.segments[0].ref < 0 {
		return t.segments[0].lit
	}
	var b strings.Builder
	for _, s := range t.segments {
		if s.ref < 0 {
			b.WriteString(s.lit)
			continue
		}
		if typ == types.PatternWildcard {
			b.WriteString(c.Wildcard)
			continue
		}
		if s.ref < len(c.Groups) {
			b.WriteString(c.Groups[s.ref])
		}
	}
	return b.String()
}

// appendQuery carries the request query over unless dest defines its own.
// A fragment in dest stays last.
func appendQuery(dest, query string) string {
	if query == "" || dest == "" {
		return dest
	}
	frag := ""
	if i := strings.IndexByte(dest, '#'); i >= 0 {
		dest, frag = dest[:i], dest[i:]
	}
	if strings.IndexByte(dest, '?') >= 0 {
		return dest + frag
	}
	return dest + "?" + query + frag
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return s != ""
}

// atoi parses at most two ASCII digits; callers guarantee the input.
func atoi(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
