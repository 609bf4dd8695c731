// internal/rules/import.go
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/redirector/internal/metrics"
	"github.com/solatis/redirector/internal/types"
)

/*
 * Import / dedup.
 *
 * Every candidate is validated exactly like an authored rule, fingerprinted
 * and compared against the fingerprints of active rules. New rules are
 * inserted one transaction each (rule + sources + fingerprint), so a crash
 * leaves only whole rules behind and the next run skips them as duplicates.
 *
 * Candidates are processed in batches; the index is rebuilt after every
 * batch that inserted something, so long imports become visible
 * incrementally. Per-candidate failures are counted, never fatal.
 */

// Import merges candidates into the store without creating duplicates.
// The returned error is non-nil only when the import could not proceed at
// all (fingerprints unavailable, context cancelled); the result then still
// describes the candidates processed so far.
func (e *Engine) Import(ctx context.Context, candidates []types.CandidateRule) (res types.ImportResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.ListActiveFingerprints(ctx)
	if err != nil {
		return res, fmt.Errorf("list fingerprints: %w", err)
	}

	defer func() {
		res.Skipped = res.Duplicates + res.Invalid + res.Failed
		e.log.Infow("import finished", "candidates", len(candidates), "imported", res.Imported,
			"duplicates", res.Duplicates, "invalid", res.Invalid, "failed", res.Failed)
	}()

	for start := 0; start < len(candidates); start += e.batchSize {
		end := min(start+e.batchSize, len(candidates))

		inserted := 0
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				if inserted > 0 {
					e.afterMutation(context.WithoutCancel(ctx))
				}
				return res, err
			}
			if e.importOne(ctx, i, candidates[i], existing, &res) {
				inserted++
			}
		}

		if inserted > 0 {
			e.afterMutation(ctx)
		}
		e.log.Debugw("import batch done", "from", start, "to", end, "inserted", inserted)
	}

	return res, nil
}

// importOne handles a single candidate and reports whether it was inserted.
func (e *Engine) importOne(ctx context.Context, i int, c types.CandidateRule, existing map[string]types.RuleID, res *types.ImportResult) bool {
	rule, err := ValidateRule(c.Draft(), e.opts)
	if err != nil {
		res.Invalid++
		res.Errors = append(res.Errors, types.CandidateError{Index: i, Reason: err.Error()})
		metrics.ImportCandidates.WithLabelValues("invalid").Inc()
		return false
	}

	if _, dup := existing[rule.Fingerprint]; dup {
		res.Duplicates++
		metrics.ImportCandidates.WithLabelValues("duplicate").Inc()
		return false
	}

	now := time.Now().UTC()
	rule.ID = types.NewRuleID()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.store.CreateRule(ctx, rule); err != nil {
		if errors.Is(err, types.ErrDuplicateRule) {
			// Inserted concurrently by another instance.
			existing[rule.Fingerprint] = ""
			res.Duplicates++
			metrics.ImportCandidates.WithLabelValues("duplicate").Inc()
			return false
		}
		res.Failed++
		res.Errors = append(res.Errors, types.CandidateError{Index: i, Reason: err.Error()})
		metrics.ImportCandidates.WithLabelValues("failed").Inc()
		e.log.Warnw("import candidate not stored", "index", i, "error", err)
		return false
	}

	existing[rule.Fingerprint] = rule.ID
	res.Imported++
	metrics.ImportCandidates.WithLabelValues("imported").Inc()
	return true
}
