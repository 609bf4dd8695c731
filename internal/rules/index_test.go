// internal/rules/index_test.go
package rules

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solatis/redirector/internal/types"
)

// rule builds an active rule with a single source.
func rule(id string, typ types.PatternType, value, dest string, status types.StatusCode) types.Rule {
	return types.Rule{
		ID:          types.RuleID(id),
		Sources:     []types.SourcePattern{{Type: typ, Value: value}},
		Destination: dest,
		StatusCode:  status,
		Active:      true,
	}
}

func TestIndex_ResolveScenarios(t *testing.T) {
	rules := []types.Rule{
		rule("01", types.PatternExact, "/old-page", "/new-page", 301),
		rule("02", types.PatternWildcard, "/blog/*", "/articles/*", 301),
		rule("03", types.PatternStartsWith, "/category/blog/", "/articles/article/", 301),
		rule("04", types.PatternRegex, `/^\/product-(\d+)$/`, "/products/view?id=$1", 301),
		rule("05", types.PatternExact, "/gone", "", 410),
		rule("06", types.PatternEndsWith, ".php", "/legacy", 302),
	}
	idx := BuildIndex(rules, BuildOptions{})

	tests := []struct {
		name       string
		raw        string
		wantFound  bool
		wantRule   types.RuleID
		wantStatus types.StatusCode
		wantDest   string
	}{
		{"exact", "/old-page", true, "01", 301, "/new-page"},
		{"exact trailing slash misses", "/old-page/", false, "", 0, ""},
		{"wildcard single segment", "/blog/my-post", true, "02", 301, "/articles/my-post"},
		{"wildcard nested", "/blog/2024/tech/ai", true, "02", 301, "/articles/2024/tech/ai"},
		{"starts with fixed destination", "/category/blog/anything/nested", true, "03", 301, "/articles/article/"},
		{"regex capture", "/product-123", true, "04", 301, "/products/view?id=123"},
		{"regex no match", "/product-abc", false, "", 0, ""},
		{"terminal status has no destination", "/gone", true, "05", 410, ""},
		{"terminal status ignores query", "/gone?x=1", true, "05", 410, ""},
		{"ends with", "/index.php", true, "06", 302, "/legacy"},
		{"query preserved", "/old-page?utm=x", true, "01", 301, "/new-page?utm=x"},
		{"template query wins", "/product-5?ref=a", true, "04", 301, "/products/view?id=5"},
		{"fragment dropped", "/old-page#top", true, "01", 301, "/new-page"},
		{"absolute uri", "https://example.com/old-page", true, "01", 301, "/new-page"},
		{"no rule", "/unrelated", false, "", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := idx.Resolve(tt.raw)
			if ok != tt.wantFound {
				t.Fatalf("Resolve(%q) found = %v, want %v", tt.raw, ok, tt.wantFound)
			}
			if !ok {
				return
			}
			if m.RuleID != tt.wantRule {
				t.Errorf("RuleID = %v, want %v", m.RuleID, tt.wantRule)
			}
			if m.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %v, want %v", m.StatusCode, tt.wantStatus)
			}
			if m.Destination != tt.wantDest {
				t.Errorf("Destination = %q, want %q", m.Destination, tt.wantDest)
			}
		})
	}
}

func TestIndex_ExactBeatsWildcard(t *testing.T) {
	// Wildcard created first still loses to the exact rule.
	rules := []types.Rule{
		rule("01", types.PatternWildcard, "/a*", "/wild/*", 301),
		rule("02", types.PatternExact, "/a", "/exact", 301),
	}
	idx := BuildIndex(rules, BuildOptions{})

	m, ok := idx.Resolve("/a")
	if !ok || m.RuleID != "02" || m.Destination != "/exact" {
		t.Errorf("Resolve(/a) = %+v, %v; want exact rule 02", m, ok)
	}
	m, ok = idx.Resolve("/abc")
	if !ok || m.RuleID != "01" || m.Destination != "/wild/bc" {
		t.Errorf("Resolve(/abc) = %+v, %v; want wildcard rule 01", m, ok)
	}
}

func TestIndex_AscendingIDPrecedence(t *testing.T) {
	// Supplied out of order; the lower id must win regardless of type.
	rules := []types.Rule{
		rule("02", types.PatternWildcard, "/shop/*", "/wild", 301),
		rule("01", types.PatternRegex, `^/shop/(\w+)$`, "/regex/$1", 302),
		rule("03", types.PatternExact, "/dup", "/third", 301),
		rule("00", types.PatternExact, "/dup", "/zeroth", 301),
	}
	idx := BuildIndex(rules, BuildOptions{})

	m, ok := idx.Resolve("/shop/shoes")
	if !ok || m.RuleID != "01" || m.Destination != "/regex/shoes" {
		t.Errorf("Resolve(/shop/shoes) = %+v, %v; want rule 01", m, ok)
	}
	m, ok = idx.Resolve("/dup")
	if !ok || m.RuleID != "00" {
		t.Errorf("Resolve(/dup) = %+v, %v; want rule 00", m, ok)
	}
}

func TestIndex_MultiSourceRule(t *testing.T) {
	r := types.Rule{
		ID: "01",
		Sources: []types.SourcePattern{
			{Type: types.PatternRegex, Value: `^/item/(\d+)$`},
			{Type: types.PatternRegex, Value: `^/thing/(\d+)$`},
		},
		Destination: "/items/$1",
		StatusCode:  301,
		Active:      true,
	}
	idx := BuildIndex([]types.Rule{r}, BuildOptions{})

	if m, ok := idx.Resolve("/thing/9"); !ok || m.Destination != "/items/9" {
		t.Errorf("Resolve(/thing/9) = %+v, %v", m, ok)
	}
	if m, ok := idx.Resolve("/item/1"); !ok || m.Destination != "/items/1" {
		t.Errorf("Resolve(/item/1) = %+v, %v", m, ok)
	}
}

func TestIndex_InactiveAndInvalidRulesExcluded(t *testing.T) {
	inactive := rule("01", types.PatternExact, "/off", "/x", 301)
	inactive.Active = false
	broken := rule("02", types.PatternRegex, "/(unclosed", "/x", 301)

	idx := BuildIndex([]types.Rule{inactive, broken}, BuildOptions{})

	if _, ok := idx.Resolve("/off"); ok {
		t.Error("inactive rule matched")
	}
	if idx.Len() != 0 {
		t.Errorf("Len() = %d, want 0", idx.Len())
	}
	if len(idx.Skipped()) != 1 || idx.Skipped()[0].ID != "02" {
		t.Errorf("Skipped() = %+v, want rule 02", idx.Skipped())
	}
}

func TestIndex_CaseInsensitive(t *testing.T) {
	rules := []types.Rule{
		rule("01", types.PatternExact, "/Old-Page", "/new", 301),
		rule("02", types.PatternWildcard, "/Blog/*", "/articles/*", 301),
	}
	idx := BuildIndex(rules, BuildOptions{Options: Options{CaseInsensitive: true}})

	if m, ok := idx.Resolve("/OLD-page"); !ok || m.RuleID != "01" {
		t.Errorf("Resolve(/OLD-page) = %+v, %v", m, ok)
	}
	if m, ok := idx.Resolve("/blog/My-Post"); !ok || m.Destination != "/articles/My-Post" {
		t.Errorf("Resolve(/blog/My-Post) = %+v, %v; capture must keep request casing", m, ok)
	}

	strict := BuildIndex(rules, BuildOptions{})
	if _, ok := strict.Resolve("/old-page"); ok {
		t.Error("case-sensitive index matched differently cased path")
	}
}

func TestIndex_RegexBudgetFallsThrough(t *testing.T) {
	var overruns atomic.Int32
	rules := []types.Rule{
		rule("01", types.PatternRegex, `^/(a+)+$`, "/evil", 301),
		rule("02", types.PatternStartsWith, "/aaa", "/safe", 301),
	}
	idx := BuildIndex(rules, BuildOptions{
		Options: Options{RegexBudget: 5 * time.Millisecond, CacheSize: 16},
		OnBudgetExceeded: func(id types.RuleID, pattern string, err error) {
			if id == "01" {
				overruns.Add(1)
			}
		},
	})

	path := "/" + strings.Repeat("a", 40) + "!"
	m, ok := idx.Resolve(path)
	if !ok || m.RuleID != "02" {
		t.Fatalf("Resolve() = %+v, %v; want fallthrough to rule 02", m, ok)
	}
	if overruns.Load() != 1 {
		t.Errorf("overruns = %d, want 1", overruns.Load())
	}

	// Not cached: the regex is evaluated again.
	idx.Resolve(path)
	if overruns.Load() != 2 {
		t.Errorf("overruns after second resolve = %d, want 2", overruns.Load())
	}
}

func TestIndex_CacheKeepsQueryPerRequest(t *testing.T) {
	idx := BuildIndex([]types.Rule{rule("01", types.PatternWildcard, "/blog/*", "/articles/*", 301)},
		BuildOptions{Options: Options{CacheSize: 8}})

	if m, _ := idx.Resolve("/blog/x?a=1"); m.Destination != "/articles/x?a=1" {
		t.Errorf("first Destination = %q", m.Destination)
	}
	if m, _ := idx.Resolve("/blog/x?b=2"); m.Destination != "/articles/x?b=2" {
		t.Errorf("cached Destination = %q, want query of second request", m.Destination)
	}
	if _, ok := idx.Resolve("/nope"); ok {
		t.Error("miss became a hit")
	}
	if _, ok := idx.Resolve("/nope"); ok {
		t.Error("cached miss became a hit")
	}
}
