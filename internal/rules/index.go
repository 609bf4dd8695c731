// internal/rules/index.go
package rules

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/solatis/redirector/internal/types"
)

/*
 * Rule index: an immutable, versioned snapshot of all active rules.
 *
 * Layout:
 *   - exact:   literal path -> (rule, source), O(1) lookup
 *   - ordered: rules with at least one non-exact source, ascending id
 *
 * Resolution order:
 *   1. exact table (lowest id wins when two rules share a path)
 *   2. single pass over ordered; first rule with any matching non-exact
 *      source wins, its first matching source supplies the capture
 *
 * An Index is never mutated after BuildIndex returns, so any number of
 * goroutines may call Resolve concurrently. The resolution cache belongs to
 * the snapshot and is discarded with it.
 */

// BudgetFunc is called when a regex source runs out of evaluation budget.
type BudgetFunc func(id types.RuleID, pattern string, err error)

// BuildOptions configure BuildIndex.
type BuildOptions struct {
	Options

	// Version labels the snapshot; the engine increments it per rebuild.
	Version uint64

	// OnBudgetExceeded is notified of every budget overrun during Resolve.
	OnBudgetExceeded BudgetFunc
}

// SkippedRule is a stored rule that no longer compiles under the current options.
type SkippedRule struct {
	ID  types.RuleID
	Err error
}

type exactEntry struct {
	rule   *CompiledRule
	source int
}

type cachedResult struct {
	match types.Match
	found bool
}

// Index is a read-only snapshot of the active rule set.
type Index struct {
	version uint64
	builtAt time.Time
	fold    bool

	exact   map[string]exactEntry
	ordered []*CompiledRule
	rules   int
	skipped []SkippedRule

	cache    *lru.Cache[string, cachedResult]
	onBudget BudgetFunc
}

// BuildIndex compiles the active rules and partitions them for resolution.
// Rules that fail to compile are left out and reported by Skipped.
func BuildIndex(rules []types.Rule, opts BuildOptions) *Index {
	active := make([]*types.Rule, 0, len(rules))
	for i := range rules {
		if rules[i].Active {
			active = append(active, &rules[i])
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	idx := &Index{
		version:  opts.Version,
		builtAt:  time.Now().UTC(),
		fold:     opts.CaseInsensitive,
		exact:    make(map[string]exactEntry),
		onBudget: opts.OnBudgetExceeded,
	}

	for _, r := range active {
		cr, err := CompileRule(r, opts.Options)
		if err != nil {
			idx.skipped = append(idx.skipped, SkippedRule{ID: r.ID, Err: err})
			continue
		}
		idx.rules++
		for i := range cr.Sources {
			m := cr.Sources[i].Matcher
			if m.Type != types.PatternExact {
				continue
			}
			key := m.ExactKey()
			if _, taken := idx.exact[key]; !taken {
				idx.exact[key] = exactEntry{rule: cr, source: i}
			}
		}
		if cr.hasNonExact() {
			idx.ordered = append(idx.ordered, cr)
		}
	}

	if opts.CacheSize > 0 {
		// Only errors on a non-positive size.
		idx.cache, _ = lru.New[string, cachedResult](opts.CacheSize)
	}

	return idx
}

// Version returns the snapshot version.
func (idx *Index) Version() uint64 { return idx.version }

// BuiltAt returns when the snapshot was built.
func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// Len returns the number of compiled active rules.
func (idx *Index) Len() int { return idx.rules }

// ExactLen returns the number of distinct exact paths.
func (idx *Index) ExactLen() int { return len(idx.exact) }

// Skipped returns the active rules that failed to compile.
func (idx *Index) Skipped() []SkippedRule { return idx.skipped }

// Resolve matches a raw request URI. The boolean is false when no rule
// applies, which callers treat as "continue normally".
func (idx *Index) Resolve(raw string) (types.Match, bool) {
	path, query := NormalizeRequest(raw)

	if idx.cache != nil {
		if hit, ok := idx.cache.Get(path); ok {
			return withQuery(hit.match, query), hit.found
		}
	}

	match, found, budgetHit := idx.resolvePath(path)

	// A result shaped by a budget overrun is not stable; do not pin it.
	if idx.cache != nil && !budgetHit {
		idx.cache.Add(path, cachedResult{match: match, found: found})
	}

	return withQuery(match, query), found
}

func (idx *Index) resolvePath(path string) (types.Match, bool, bool) {
	if e, ok := idx.exact[foldKey(path, idx.fold)]; ok {
		return e.rule.matchFor(e.source, Capture{}), true, false
	}

	budgetHit := false
	for _, cr := range idx.ordered {
		for i := range cr.Sources {
			m := cr.Sources[i].Matcher
			if m.Type == types.PatternExact {
				continue
			}
			capture, ok, err := m.Match(path)
			if err != nil {
				budgetHit = true
				if idx.onBudget != nil {
					idx.onBudget(cr.ID, cr.Sources[i].Pattern.Value, err)
				}
				break
			}
			if ok {
				return cr.matchFor(i, capture), true, budgetHit
			}
		}
	}

	return types.Match{}, false, budgetHit
}

// matchFor renders the Match produced by source i with capture c.
func (r *CompiledRule) matchFor(i int, c Capture) types.Match {
	m := types.Match{RuleID: r.ID, StatusCode: r.StatusCode}
	if r.StatusCode.Terminal() {
		return m
	}
	src := r.Sources[i]
	m.Destination = src.template.expand(c, src.Matcher.Type)
	return m
}

func withQuery(m types.Match, query string) types.Match {
	if m.HasDestination() {
		m.Destination = appendQuery(m.Destination, query)
	}
	return m
}
