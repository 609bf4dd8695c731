package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/solatis/redirector/internal/types"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// RuleStore persists rules and their sources. Each mutation of a rule and
// its sources commits as one transaction. It satisfies rules.Store and
// hits.Sink.
type RuleStore struct {
	db *sqlx.DB
	q  *Queries
}

// NewRuleStore loads the named queries for db.
func NewRuleStore(db *sqlx.DB) (*RuleStore, error) {
	q, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}
	return &RuleStore{db: db, q: q}, nil
}

type ruleRow struct {
	RuleID         string       `db:"rule_id"`
	Destination    string       `db:"destination"`
	StatusCode     int          `db:"status_code"`
	Active         bool         `db:"active"`
	HitCount       int64        `db:"hit_count"`
	LastAccessedAt sql.NullTime `db:"last_accessed_at"`
	Description    string       `db:"description"`
	Fingerprint    string       `db:"fingerprint"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

type sourceRow struct {
	RuleID      string `db:"rule_id"`
	Position    int    `db:"position"`
	PatternType string `db:"pattern_type"`
	Value       string `db:"value"`
}

type fingerprintRow struct {
	Fingerprint string `db:"fingerprint"`
	RuleID      string `db:"rule_id"`
}

func (r ruleRow) toRule() types.Rule {
	rule := types.Rule{
		ID:          types.RuleID(r.RuleID),
		Destination: r.Destination,
		StatusCode:  types.StatusCode(r.StatusCode),
		Active:      r.Active,
		HitCount:    uint64(r.HitCount),
		Description: r.Description,
		Fingerprint: r.Fingerprint,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.LastAccessedAt.Valid {
		ts := r.LastAccessedAt.Time.UTC()
		rule.LastAccessedAt = &ts
	}
	return rule
}

// attachSources joins source rows (ordered by rule_id, position) onto rules.
func attachSources(rows []ruleRow, sources []sourceRow) []types.Rule {
	byRule := make(map[string][]types.SourcePattern, len(rows))
	for _, s := range sources {
		byRule[s.RuleID] = append(byRule[s.RuleID], types.SourcePattern{
			Type:  types.PatternType(s.PatternType),
			Value: s.Value,
		})
	}

	out := make([]types.Rule, len(rows))
	for i, r := range rows {
		out[i] = r.toRule()
		out[i].Sources = byRule[r.RuleID]
	}
	return out
}

// ListActiveRules returns active rules with their sources in ascending id order.
func (s *RuleStore) ListActiveRules(ctx context.Context) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-rules-by-state", &rows, true); err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	var sources []sourceRow
	if err := s.q.Select(ctx, "list-sources-by-state", &sources, true); err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	return attachSources(rows, sources), nil
}

// ListRules returns every rule, active or not, in ascending id order.
func (s *RuleStore) ListRules(ctx context.Context) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-all-rules", &rows); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	var sources []sourceRow
	if err := s.q.Select(ctx, "list-all-sources", &sources); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return attachSources(rows, sources), nil
}

// GetRule returns one rule with its sources.
func (s *RuleStore) GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.Get(ctx, "get-rule", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
		}
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	var sources []sourceRow
	if err := s.q.Select(ctx, "get-rule-sources", &sources, string(id)); err != nil {
		return nil, fmt.Errorf("get rule sources %s: %w", id, err)
	}
	rule := attachSources([]ruleRow{row}, sources)[0]
	return &rule, nil
}

// CreateRule inserts the rule, its sources and fingerprint in one transaction.
func (s *RuleStore) CreateRule(ctx context.Context, rule *types.Rule) error {
	err := s.q.InTx(ctx, func(tx *sqlx.Tx) error {
		var lastAccessed sql.NullTime
		if rule.LastAccessedAt != nil {
			lastAccessed = sql.NullTime{Time: rule.LastAccessedAt.UTC(), Valid: true}
		}
		if _, err := s.q.TxExec(ctx, tx, "insert-rule",
			string(rule.ID), rule.Destination, int(rule.StatusCode), rule.Active, int64(rule.HitCount),
			lastAccessed, rule.Description, rule.Fingerprint, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
		); err != nil {
			return err
		}
		return s.insertSources(ctx, tx, rule)
	})
	if err != nil {
		return fmt.Errorf("create rule %s: %w", rule.ID, mapConstraintError(err))
	}
	return nil
}

// UpdateRule replaces the authored fields and sources of an existing rule.
// Hit statistics are owned by IncrementHits and left untouched.
func (s *RuleStore) UpdateRule(ctx context.Context, rule *types.Rule) error {
	err := s.q.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := s.q.TxExec(ctx, tx, "update-rule",
			rule.Destination, int(rule.StatusCode), rule.Active, rule.Description,
			rule.Fingerprint, rule.UpdatedAt.UTC(), string(rule.ID),
		)
		if err != nil {
			return err
		}
		if err := requireRow(res, rule.ID); err != nil {
			return err
		}
		if _, err := s.q.TxExec(ctx, tx, "delete-rule-sources", string(rule.ID)); err != nil {
			return err
		}
		return s.insertSources(ctx, tx, rule)
	})
	if err != nil {
		return fmt.Errorf("update rule %s: %w", rule.ID, mapConstraintError(err))
	}
	return nil
}

func (s *RuleStore) insertSources(ctx context.Context, tx *sqlx.Tx, rule *types.Rule) error {
	for i, src := range rule.Sources {
		if _, err := s.q.TxExec(ctx, tx, "insert-source", string(rule.ID), i, string(src.Type), src.Value); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRule removes a rule and its sources.
func (s *RuleStore) DeleteRule(ctx context.Context, id types.RuleID) error {
	err := s.q.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.q.TxExec(ctx, tx, "delete-rule-sources", string(id)); err != nil {
			return err
		}
		res, err := s.q.TxExec(ctx, tx, "delete-rule", string(id))
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

// DeleteAllRules empties the store and returns the number of rules removed.
func (s *RuleStore) DeleteAllRules(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.q.TxExec(ctx, tx, "delete-all-sources"); err != nil {
			return err
		}
		res, err := s.q.TxExec(ctx, tx, "delete-all-rules")
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete all rules: %w", err)
	}
	return n, nil
}

// ListActiveFingerprints maps each active fingerprint to its rule.
func (s *RuleStore) ListActiveFingerprints(ctx context.Context) (map[string]types.RuleID, error) {
	var rows []fingerprintRow
	if err := s.q.Select(ctx, "list-fingerprints-by-state", &rows, true); err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	out := make(map[string]types.RuleID, len(rows))
	for _, r := range rows {
		out[r.Fingerprint] = types.RuleID(r.RuleID)
	}
	return out, nil
}

// IncrementHits adds n to hit_count in a single UPDATE so concurrent
// writers never lose increments.
func (s *RuleStore) IncrementHits(ctx context.Context, id types.RuleID, n uint64, at time.Time) error {
	res, err := s.q.Exec(ctx, "increment-hits", int64(n), at.UTC(), string(id))
	if err != nil {
		return fmt.Errorf("increment hits %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Ping verifies the database is reachable.
func (s *RuleStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result, id types.RuleID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	return nil
}

// mapConstraintError turns driver unique violations into ErrDuplicateRule.
func mapConstraintError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", types.ErrDuplicateRule, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %v", types.ErrDuplicateRule, err)
	}
	return err
}
