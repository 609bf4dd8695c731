//go:build integration

package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/solatis/redirector/internal/types"
)

const (
	postgresImage         = "postgres:16-alpine"
	containerStartTimeout = 90 * time.Second
)

// startPostgres runs a throwaway PostgreSQL container and returns its URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "redirector",
			"POSTGRES_USER":     "redirector",
			"POSTGRES_PASSWORD": "redirector",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(containerStartTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://redirector:redirector@%s:%s/redirector?sslmode=disable", host, port.Port())
}

func TestPostgres_RuleStore(t *testing.T) {
	ctx := context.Background()

	db, err := Open(startPostgres(t))
	require.NoError(t, err)
	defer db.Close()

	_, err = MigrateUp(ctx, db)
	require.NoError(t, err)

	store, err := NewRuleStore(db)
	require.NoError(t, err)

	rule := testRule("pg-fp", types.SourcePattern{Type: types.PatternWildcard, Value: "/blog/*"})
	require.NoError(t, store.CreateRule(ctx, rule))
	assert.ErrorIs(t, store.CreateRule(ctx, testRule("pg-fp", rule.Sources...)), types.ErrDuplicateRule)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.IncrementHits(ctx, rule.ID, 1, time.Now()))
		}()
	}
	wg.Wait()

	got, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), got.HitCount)
	assert.Equal(t, rule.Sources, got.Sources)
}
