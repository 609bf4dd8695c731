package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solatis/redirector/internal/core/auth"
	"github.com/solatis/redirector/internal/core/config"
	"github.com/solatis/redirector/internal/metrics"
	"github.com/solatis/redirector/internal/rules"
	"github.com/solatis/redirector/internal/types"
)

const (
	healthTimeout = 2 * time.Second

	// maxBodyBytes bounds rule API request bodies; imports may be larger.
	maxBodyBytes   = 1 << 20
	maxImportBytes = 32 << 20
)

// RuleEngine is the engine surface the HTTP server needs. Implemented by
// *rules.Engine.
type RuleEngine interface {
	Resolve(raw string) (types.Match, bool)
	Preview(raw string) (types.Match, bool)
	ValidateRule(draft types.RuleDraft) (*types.Rule, error)
	GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error)
	ListRules(ctx context.Context) ([]types.Rule, error)
	CreateRule(ctx context.Context, draft types.RuleDraft) (*types.Rule, error)
	UpdateRule(ctx context.Context, id types.RuleID, draft types.RuleDraft) (*types.Rule, error)
	SetActive(ctx context.Context, id types.RuleID, active bool) (*types.Rule, error)
	DeleteRule(ctx context.Context, id types.RuleID) error
	DeleteAll(ctx context.Context) (int64, error)
	Import(ctx context.Context, candidates []types.CandidateRule) (types.ImportResult, error)
	Snapshot() *rules.Index
	Stale() bool
}

// Pinger reports storage reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPServer serves the rule API and the redirect front controller.
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	api      *mux.Router
	engine   RuleEngine
	pinger   Pinger
	fallback http.Handler
	validate *validator.Validate
	log      *zap.SugaredLogger
}

// NewHTTPServer wires routes for engine. pinger may be nil.
func NewHTTPServer(cfg config.ListenConfig, engine RuleEngine, pinger Pinger, logger *zap.SugaredLogger) (*HTTPServer, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &HTTPServer{
		router:   mux.NewRouter(),
		engine:   engine,
		pinger:   pinger,
		fallback: http.NotFoundHandler(),
		validate: validator.New(),
		log:      logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *HTTPServer) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthCheck).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(instrument)
	s.api = api
	api.HandleFunc("/rules", s.listRules).Methods("GET")
	api.HandleFunc("/rules", s.createRule).Methods("POST")
	api.HandleFunc("/rules", s.deleteAllRules).Methods("DELETE")
	api.HandleFunc("/rules/validate", s.validateRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.getRule).Methods("GET")
	api.HandleFunc("/rules/{id}", s.updateRule).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.deleteRule).Methods("DELETE")
	api.HandleFunc("/rules/{id}/active", s.setActive).Methods("PUT")
	api.HandleFunc("/import", s.importRules).Methods("POST")
	api.HandleFunc("/resolve", s.resolve).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.frontController)
	s.router.SkipClean(true)
}

// SetAuthenticator requires the admin token on every /api/v1 route.
// Redirects, /healthz and /metrics stay open. A nil authenticator is a
// no-op.
func (s *HTTPServer) SetAuthenticator(a *auth.Authenticator) {
	if a != nil {
		s.api.Use(a.Middleware)
	}
}

// SetFallback replaces the handler for requests no rule matches.
func (s *HTTPServer) SetFallback(h http.Handler) {
	if h != nil {
		s.fallback = h
	}
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// Start binds the configured address and serves until Shutdown.
func (s *HTTPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.server.Addr, err)
	}
	s.log.Infow("HTTP server listening", "addr", listener.Addr().String())

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// frontController answers every request no API route claims.
func (s *HTTPServer) frontController(w http.ResponseWriter, r *http.Request) {
	m, ok := s.engine.Resolve(r.URL.RequestURI())
	if !ok {
		metrics.HTTPRequests.WithLabelValues("front", "404").Inc()
		s.fallback.ServeHTTP(w, r)
		return
	}

	code := int(m.StatusCode)
	if m.HasDestination() {
		w.Header().Set("Location", m.Destination)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	metrics.HTTPRequests.WithLabelValues("front", strconv.Itoa(code)).Inc()
}

func (s *HTTPServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	idx := s.engine.Snapshot()
	body := map[string]interface{}{
		"status":        "ok",
		"index_version": idx.Version(),
		"rules":         idx.Len(),
		"stale":         s.engine.Stale(),
	}

	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.log.Warnw("health check failed", "error", err)
			body["status"] = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// statusRecorder captures the status written by an API handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
