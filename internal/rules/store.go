// internal/rules/store.go
package rules

import (
	"context"
	"time"

	"github.com/solatis/redirector/internal/types"
)

// Store is the persistence collaborator of the engine.
//
// CreateRule must persist the rule, its sources and its fingerprint in one
// transaction and return an error wrapping types.ErrDuplicateRule when an
// active rule with the same fingerprint exists. GetRule, UpdateRule and
// DeleteRule return an error wrapping types.ErrRuleNotFound for unknown ids.
type Store interface {
	ListActiveRules(ctx context.Context) ([]types.Rule, error)
	ListRules(ctx context.Context) ([]types.Rule, error)
	GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error)
	CreateRule(ctx context.Context, rule *types.Rule) error
	UpdateRule(ctx context.Context, rule *types.Rule) error
	DeleteRule(ctx context.Context, id types.RuleID) error
	DeleteAllRules(ctx context.Context) (int64, error)
	ListActiveFingerprints(ctx context.Context) (map[string]types.RuleID, error)
}

// HitRecorder is notified of every successful resolution. Record must not
// block; storage happens asynchronously.
type HitRecorder interface {
	Record(id types.RuleID, at time.Time)
}

// Invalidator tells other instances that the rule set changed.
type Invalidator interface {
	Invalidated(ctx context.Context, version uint64) error
}
