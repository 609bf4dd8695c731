package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/redirector/internal/types"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "redirector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = MigrateUp(context.Background(), db)
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T) *RuleStore {
	t.Helper()
	store, err := NewRuleStore(openTestDB(t))
	require.NoError(t, err)
	return store
}

func testRule(fingerprint string, sources ...types.SourcePattern) *types.Rule {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Rule{
		ID:          types.NewRuleID(),
		Sources:     sources,
		Destination: "/new",
		StatusCode:  types.StatusMovedPermanently,
		Active:      true,
		Description: "test",
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	_, err := Open("mysql://localhost/db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database scheme")
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	ran, err := MigrateUp(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, ran, "second run applies nothing")

	statuses, err := MigrateStatus(context.Background(), db)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.True(t, s.Applied, "migration %s not applied", s.ID)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrateUp_DetectsChecksumTampering(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec("UPDATE migrations SET checksum = 'tampered'")
	require.NoError(t, err)

	_, err = MigrateUp(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRuleStore_CreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rule := testRule("fp-1",
		types.SourcePattern{Type: types.PatternExact, Value: "/Old-Page"},
		types.SourcePattern{Type: types.PatternRegex, Value: `^/p/(\d+)$`},
	)
	require.NoError(t, store.CreateRule(ctx, rule))

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, rule.Sources, got.Sources, "sources keep order and casing")
	assert.Equal(t, rule.Destination, got.Destination)
	assert.Equal(t, rule.StatusCode, got.StatusCode)
	assert.True(t, got.Active)
	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.Nil(t, got.LastAccessedAt)
	assert.WithinDuration(t, rule.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestRuleStore_GetMissing(t *testing.T) {
	_, err := newTestStore(t).GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrRuleNotFound)
}

func TestRuleStore_DuplicateActiveFingerprint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src := types.SourcePattern{Type: types.PatternExact, Value: "/a"}

	require.NoError(t, store.CreateRule(ctx, testRule("same", src)))

	err := store.CreateRule(ctx, testRule("same", src))
	assert.ErrorIs(t, err, types.ErrDuplicateRule)

	// Inactive rules do not hold the fingerprint.
	inactive := testRule("same", src)
	inactive.Active = false
	require.NoError(t, store.CreateRule(ctx, inactive))

	inactive.Active = true
	assert.ErrorIs(t, store.UpdateRule(ctx, inactive), types.ErrDuplicateRule)

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2, "failed insert left no partial rows")
}

func TestRuleStore_ListActiveRulesOrdered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []types.RuleID
	for i, v := range []string{"/c", "/a", "/b"} {
		r := testRule(v, types.SourcePattern{Type: types.PatternExact, Value: v})
		if i == 1 {
			r.Active = false
		}
		require.NoError(t, store.CreateRule(ctx, r))
		ids = append(ids, r.ID)
	}

	active, err := store.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ids[0], active[0].ID)
	assert.Equal(t, ids[2], active[1].ID)
	assert.Equal(t, "/c", active[0].Sources[0].Value)

	fps, err := store.ListActiveFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]types.RuleID{"/c": ids[0], "/b": ids[2]}, fps)
}

func TestRuleStore_UpdateReplacesSources(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rule := testRule("v1",
		types.SourcePattern{Type: types.PatternExact, Value: "/a"},
		types.SourcePattern{Type: types.PatternExact, Value: "/b"},
	)
	require.NoError(t, store.CreateRule(ctx, rule))
	require.NoError(t, store.IncrementHits(ctx, rule.ID, 5, time.Now()))

	rule.Sources = []types.SourcePattern{{Type: types.PatternWildcard, Value: "/x/*"}}
	rule.Destination = "/y/*"
	rule.Fingerprint = "v2"
	rule.HitCount = 0
	require.NoError(t, store.UpdateRule(ctx, rule))

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Sources, got.Sources)
	assert.Equal(t, "/y/*", got.Destination)
	assert.Equal(t, uint64(5), got.HitCount, "update never touches hit statistics")

	missing := testRule("v3", types.SourcePattern{Type: types.PatternExact, Value: "/z"})
	assert.ErrorIs(t, store.UpdateRule(ctx, missing), types.ErrRuleNotFound)
}

func TestRuleStore_DeleteAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := testRule("a", types.SourcePattern{Type: types.PatternExact, Value: "/a"})
	b := testRule("b", types.SourcePattern{Type: types.PatternExact, Value: "/b"})
	require.NoError(t, store.CreateRule(ctx, a))
	require.NoError(t, store.CreateRule(ctx, b))

	require.NoError(t, store.DeleteRule(ctx, a.ID))
	assert.ErrorIs(t, store.DeleteRule(ctx, a.ID), types.ErrRuleNotFound)

	n, err := store.DeleteAllRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleStore_ConcurrentIncrementsAreExact(t *testing.T) {
	const n = 300
	ctx := context.Background()
	store := newTestStore(t)

	rule := testRule("hits", types.SourcePattern{Type: types.PatternExact, Value: "/hot"})
	require.NoError(t, store.CreateRule(ctx, rule))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.IncrementHits(ctx, rule.ID, 1, time.Now())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), got.HitCount)
	require.NotNil(t, got.LastAccessedAt)
}

func TestRuleStore_IncrementMissingRule(t *testing.T) {
	err := newTestStore(t).IncrementHits(context.Background(), "missing", 1, time.Now())
	assert.ErrorIs(t, err, types.ErrRuleNotFound)
}
