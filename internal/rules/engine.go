// internal/rules/engine.go
package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solatis/redirector/internal/metrics"
	"github.com/solatis/redirector/internal/types"
)

/*
 * Engine owns the published index snapshot and serializes every write to
 * the rule store.
 *
 * Readers: Resolve loads the current *Index through an atomic pointer and
 * never takes a lock, so a rebuild in progress is invisible to them until
 * the new snapshot is stored.
 *
 * Writers: CreateRule, UpdateRule, SetActive, DeleteRule, DeleteAll, Import
 * and Rebuild hold mu for the store write and the synchronous rebuild that
 * follows it.
 *
 * Failed rebuilds: the previous snapshot keeps serving and the engine is
 * marked stale. The next mutation rebuilds anyway; the next Resolve starts
 * at most one background refresh.
 */

const (
	refreshTimeout = 30 * time.Second

	// DefaultImportBatchSize is used when EngineConfig.ImportBatchSize is zero.
	DefaultImportBatchSize = 500
)

// EngineConfig wires the engine's collaborators. Only Options is required.
type EngineConfig struct {
	Options

	Hits            HitRecorder
	Invalidator     Invalidator
	ImportBatchSize int
	Logger          *zap.SugaredLogger
}

// Engine resolves request paths against the current snapshot and applies
// rule mutations.
type Engine struct {
	store     Store
	opts      Options
	hits      HitRecorder
	notify    Invalidator
	batchSize int
	log       *zap.SugaredLogger
	warn      *rate.Limiter

	mu         sync.Mutex
	snapshot   atomic.Pointer[Index]
	version    atomic.Uint64
	stale      atomic.Bool
	refreshing atomic.Bool
}

// NewEngine creates an engine serving an empty snapshot. Call Rebuild to
// load the store before serving traffic.
func NewEngine(store Store, cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	batch := cfg.ImportBatchSize
	if batch <= 0 {
		batch = DefaultImportBatchSize
	}
	if cfg.RegexBudget <= 0 {
		cfg.RegexBudget = DefaultRegexBudget
	}

	e := &Engine{
		store:     store,
		opts:      cfg.Options,
		hits:      cfg.Hits,
		notify:    cfg.Invalidator,
		batchSize: batch,
		log:       log,
		warn:      rate.NewLimiter(rate.Every(time.Second), 5),
	}
	e.snapshot.Store(BuildIndex(nil, e.buildOptions(0)))
	return e
}

// SetInvalidator installs the cross-instance publisher after construction.
// The notifier depends on the engine for inbound messages, so it cannot
// exist when NewEngine runs.
func (e *Engine) SetInvalidator(inv Invalidator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = inv
}

// Options returns the compile options the engine was built with.
func (e *Engine) Options() Options { return e.opts }

// Snapshot returns the currently published index.
func (e *Engine) Snapshot() *Index { return e.snapshot.Load() }

// Stale reports whether the last rebuild failed.
func (e *Engine) Stale() bool { return e.stale.Load() }

// Resolve matches raw against the current snapshot and records a hit on
// success. It never blocks on writers and never fails.
func (e *Engine) Resolve(raw string) (types.Match, bool) {
	if e.stale.Load() {
		e.refreshAsync()
	}

	m, ok := e.snapshot.Load().Resolve(raw)
	if !ok {
		metrics.Resolutions.WithLabelValues("miss").Inc()
		return m, false
	}

	metrics.Resolutions.WithLabelValues("match").Inc()
	if e.hits != nil {
		e.hits.Record(m.RuleID, time.Now().UTC())
	}
	return m, true
}

// Preview resolves raw against the current snapshot without recording a hit.
func (e *Engine) Preview(raw string) (types.Match, bool) {
	return e.snapshot.Load().Resolve(raw)
}

// ValidateRule checks a draft against the engine's compile options.
func (e *Engine) ValidateRule(draft types.RuleDraft) (*types.Rule, error) {
	return ValidateRule(draft, e.opts)
}

// GetRule returns a stored rule, active or not.
func (e *Engine) GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	return e.store.GetRule(ctx, id)
}

// ListRules returns every stored rule in ascending id order.
func (e *Engine) ListRules(ctx context.Context) ([]types.Rule, error) {
	return e.store.ListRules(ctx)
}

// CreateRule validates and persists draft, then rebuilds the index.
func (e *Engine) CreateRule(ctx context.Context, draft types.RuleDraft) (*types.Rule, error) {
	rule, err := e.ValidateRule(draft)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	rule.ID = types.NewRuleID()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}

	e.log.Infow("rule created", "rule_id", rule.ID, "sources", len(rule.Sources), "status_code", rule.StatusCode)
	e.afterMutation(ctx)
	return rule, nil
}

// UpdateRule replaces the authored fields of rule id with draft. Hit
// statistics and creation time are preserved; a draft without Active keeps
// the stored state.
func (e *Engine) UpdateRule(ctx context.Context, id types.RuleID, draft types.RuleDraft) (*types.Rule, error) {
	rule, err := e.ValidateRule(draft)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.ID = existing.ID
	if draft.Active == nil {
		rule.Active = existing.Active
	}
	rule.HitCount = existing.HitCount
	rule.LastAccessedAt = existing.LastAccessedAt
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("update rule %s: %w", id, err)
	}

	e.log.Infow("rule updated", "rule_id", id)
	e.afterMutation(ctx)
	return rule, nil
}

// SetActive enables or disables rule id without touching its content.
func (e *Engine) SetActive(ctx context.Context, id types.RuleID, active bool) (*types.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Active == active {
		return rule, nil
	}

	rule.Active = active
	rule.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("set active %s: %w", id, err)
	}

	e.log.Infow("rule state changed", "rule_id", id, "active", active)
	e.afterMutation(ctx)
	return rule, nil
}

// DeleteRule removes rule id.
func (e *Engine) DeleteRule(ctx context.Context, id types.RuleID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}

	e.log.Infow("rule deleted", "rule_id", id)
	e.afterMutation(ctx)
	return nil
}

// DeleteAll removes every rule and returns how many were deleted.
func (e *Engine) DeleteAll(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.store.DeleteAllRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete all rules: %w", err)
	}

	e.log.Infow("all rules deleted", "count", n)
	e.afterMutation(ctx)
	return n, nil
}

// Rebuild reloads active rules and publishes a new snapshot. It does not
// notify other instances; it is the handler for their notifications.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildLocked(ctx)
}

// afterMutation rebuilds and broadcasts. Storage already committed, so a
// failed rebuild is logged rather than returned.
func (e *Engine) afterMutation(ctx context.Context) {
	if err := e.rebuildLocked(ctx); err != nil {
		e.log.Errorw("index rebuild failed after mutation; serving previous snapshot", "error", err)
		return
	}
	if e.notify == nil {
		return
	}
	version := e.snapshot.Load().Version()
	if err := e.notify.Invalidated(ctx, version); err != nil {
		e.log.Warnw("failed to publish index invalidation", "version", version, "error", err)
	}
}

func (e *Engine) rebuildLocked(ctx context.Context) error {
	start := time.Now()

	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		e.stale.Store(true)
		metrics.IndexRebuilds.WithLabelValues("error").Inc()
		return fmt.Errorf("list active rules: %w", err)
	}

	idx := BuildIndex(rules, e.buildOptions(e.version.Add(1)))
	for _, s := range idx.Skipped() {
		e.log.Warnw("active rule does not compile; excluded from index", "rule_id", s.ID, "error", s.Err)
	}

	e.snapshot.Store(idx)
	e.stale.Store(false)

	metrics.IndexRebuilds.WithLabelValues("ok").Inc()
	metrics.IndexRebuildDuration.Observe(time.Since(start).Seconds())
	metrics.IndexVersion.Set(float64(idx.Version()))
	metrics.IndexRules.WithLabelValues("compiled").Set(float64(idx.Len()))
	metrics.IndexRules.WithLabelValues("skipped").Set(float64(len(idx.Skipped())))

	e.log.Debugw("index rebuilt", "version", idx.Version(), "rules", idx.Len(),
		"exact_paths", idx.ExactLen(), "skipped", len(idx.Skipped()), "elapsed", time.Since(start))
	return nil
}

// refreshAsync retries a failed rebuild in the background. At most one
// refresh runs at a time and it yields to any writer holding the lock.
func (e *Engine) refreshAsync() {
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.refreshing.Store(false)
		if !e.mu.TryLock() {
			return
		}
		defer e.mu.Unlock()
		if !e.stale.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := e.rebuildLocked(ctx); err != nil {
			e.log.Warnw("background index refresh failed", "error", err)
		}
	}()
}

func (e *Engine) buildOptions(version uint64) BuildOptions {
	return BuildOptions{
		Options:          e.opts,
		Version:          version,
		OnBudgetExceeded: e.budgetExceeded,
	}
}

func (e *Engine) budgetExceeded(id types.RuleID, pattern string, err error) {
	metrics.RegexBudgetExceeded.Inc()
	if e.warn.Allow() {
		e.log.Warnw("regex evaluation budget exceeded; treating as no match",
			"rule_id", id, "pattern", pattern, "budget", e.opts.RegexBudget, "error", err)
	}
}
