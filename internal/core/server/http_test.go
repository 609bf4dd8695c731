package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solatis/redirector/internal/core/auth"
	"github.com/solatis/redirector/internal/core/config"
	"github.com/solatis/redirector/internal/core/db"
	"github.com/solatis/redirector/internal/core/hits"
	"github.com/solatis/redirector/internal/rules"
	"github.com/solatis/redirector/internal/types"
)

type testEnv struct {
	engine *rules.Engine
	store  *db.RuleStore
	hits   *hits.Recorder
	server *HTTPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "redirector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = db.MigrateUp(ctx, database)
	require.NoError(t, err)

	store, err := db.NewRuleStore(database)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t).Sugar()
	recorder := hits.NewRecorder(store, hits.Config{Logger: logger})
	engine := rules.NewEngine(store, rules.EngineConfig{Hits: recorder, Logger: logger})
	require.NoError(t, engine.Rebuild(ctx))

	srv, err := NewHTTPServer(config.Default().HTTP, engine, store, logger)
	require.NoError(t, err)
	return &testEnv{engine: engine, store: store, hits: recorder, server: srv}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T, body string) types.Rule {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule types.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	return rule
}

func TestFrontController(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, `{"sources":[{"type":"exact","value":"/old"}],"destination":"/new","status_code":301}`)
	env.create(t, `{"sources":[{"type":"wildcard","value":"/blog/*"}],"destination":"/articles/*","status_code":302}`)
	env.create(t, `{"sources":[{"type":"regex","value":"^/p/(\\d+)$"}],"destination":"/products/$1","status_code":307}`)
	env.create(t, `{"sources":[{"type":"ends_with","value":".php"}],"status_code":410}`)
	env.create(t, `{"sources":[{"value":"/banned"}],"status_code":451}`)

	tests := []struct {
		name     string
		target   string
		code     int
		location string
	}{
		{"exact", "/old", 301, "/new"},
		{"exact keeps query", "/old?a=1", 301, "/new?a=1"},
		{"wildcard", "/blog/2020/post", 302, "/articles/2020/post"},
		{"regex", "/p/42", 307, "/products/42"},
		{"gone", "/index.php", 410, ""},
		{"legal", "/banned", 451, ""},
		{"miss", "/nothing-here", 404, ""},
		{"no path cleaning", "/blog//x", 302, "/articles//x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "GET", tt.target, "")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
			if tt.code == 410 || tt.code == 451 {
				assert.Empty(t, rec.Body.String())
			}
		})
	}
}

func TestFrontController_Fallback(t *testing.T) {
	env := newTestEnv(t)
	env.server.SetFallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := env.do(t, "GET", "/unknown", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRuleAPI_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	rule := env.create(t, `{"sources":[{"value":"/a"}],"destination":"/b"}`)
	assert.Equal(t, types.StatusMovedPermanently, rule.StatusCode, "status defaults to 301")
	assert.True(t, rule.Active)

	rec := env.do(t, "GET", "/api/v1/rules/"+string(rule.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "PUT", "/api/v1/rules/"+string(rule.ID),
		`{"sources":[{"value":"/a"}],"destination":"/c","status_code":302}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/c", env.do(t, "GET", "/a", "").Header().Get("Location"))

	rec = env.do(t, "PUT", "/api/v1/rules/"+string(rule.ID)+"/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/a", "").Code)

	rec = env.do(t, "GET", "/api/v1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []types.Rule `json:"rules"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.False(t, list.Rules[0].Active)

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/api/v1/rules/"+string(rule.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/rules/"+string(rule.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/api/v1/rules/"+string(rule.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/rules/not-a-uuid", "").Code)
}

func TestRuleAPI_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, `{"sources":[{"value":"/dup"}],"destination":"/x"}`)

	tests := []struct {
		name  string
		body  string
		code  int
		field string
	}{
		{"malformed json", `{"sources":`, 400, ""},
		{"unknown field", `{"sources":[{"value":"/a"}],"target":"/b"}`, 400, ""},
		{"no sources", `{"sources":[],"destination":"/b"}`, 400, ""},
		{"bad status", `{"sources":[{"value":"/a"}],"destination":"/b","status_code":200}`, 400, ""},
		{"invalid regex", `{"sources":[{"type":"regex","value":"^/(unclosed$"}],"destination":"/b"}`, 422, "sources"},
		{"missing destination", `{"sources":[{"value":"/a"}],"status_code":302}`, 422, "destination"},
		{"bad capture", `{"sources":[{"type":"regex","value":"^/a/(\\d+)$"}],"destination":"/b/$2"}`, 422, "destination"},
		{"unknown type", `{"sources":[{"type":"fuzzy","value":"/a"}],"destination":"/b"}`, 422, "sources"},
		{"duplicate", `{"sources":[{"value":"/dup"}],"destination":"/x"}`, 409, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/v1/rules", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.field, resp.Field)
		})
	}

	rules, err := env.engine.ListRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1, "rejected rules are never stored")
}

func TestRuleAPI_ValidateDoesNotPersist(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/rules/validate", `{"sources":[{"type":"regex","value":"^/p/(\\d+)$"}],"destination":"/q/$1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rules, err := env.engine.ListRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleAPI_DeleteAllRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, `{"sources":[{"value":"/a"}],"destination":"/b"}`)
	env.create(t, `{"sources":[{"value":"/c"}],"destination":"/d"}`)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "DELETE", "/api/v1/rules", "").Code)

	rec := env.do(t, "DELETE", "/api/v1/rules?confirm=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/a", "").Code)
}

func TestImportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	csv := "source,destination,status\n/one,/1,301\n/two,/2,302\n/one,/1,301\n/bad,,302\n"

	req := httptest.NewRequest("POST", "/api/v1/import?format=csv", strings.NewReader(csv))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res types.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, 2, res.Skipped)

	assert.Equal(t, "/2", env.do(t, "GET", "/two", "").Header().Get("Location"))

	req = httptest.NewRequest("POST", "/api/v1/import", strings.NewReader(`{"nope":1}`))
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rule := env.create(t, `{"sources":[{"type":"starts_with","value":"/docs"}],"destination":"/help","status_code":302}`)

	rec := env.do(t, "GET", "/api/v1/resolve?uri=/docs/intro", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Matched bool        `json:"matched"`
		Match   types.Match `json:"match"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Matched)
	assert.Equal(t, rule.ID, resp.Match.RuleID)
	assert.Equal(t, "/help", resp.Match.Destination)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/v1/resolve", "").Code)
}

func TestResolveEndpoint_DoesNotCountHits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rule := env.create(t, `{"sources":[{"value":"/old"}],"destination":"/new"}`)

	assert.Equal(t, http.StatusMovedPermanently, env.do(t, "GET", "/old", "").Code)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/resolve?uri=/old", "").Code)
	}
	require.NoError(t, env.hits.Flush(ctx))

	got, err := env.store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.HitCount, "only the front controller request counts")
}

func TestRuleAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, `{"sources":[{"value":"/a"}],"destination":"/b"}`)
	env.server.SetAuthenticator(auth.NewAuthenticator("0123456789abcdef"))

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/v1/rules", "").Code)

	req := httptest.NewRequest("GET", "/api/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer 0123456789abcdef")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusMovedPermanently, env.do(t, "GET", "/a", "").Code, "redirects need no token")
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/healthz", "").Code)
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("database unavailable") }

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	srv, err := NewHTTPServer(config.Default().HTTP, env.engine, failingPinger{}, nil)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "GET", "/miss", "")

	rec := env.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "redirector_resolutions_total")
}
