// Package metrics declares the prometheus collectors of the redirector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redirector_resolutions_total",
			Help: "Total number of resolved request paths by outcome",
		},
		[]string{"outcome"},
	)

	RegexBudgetExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redirector_regex_budget_exceeded_total",
			Help: "Total number of regex evaluations that ran out of budget",
		},
	)

	IndexRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redirector_index_rebuilds_total",
			Help: "Total number of rule index rebuilds by result",
		},
		[]string{"result"},
	)

	IndexRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "redirector_index_rebuild_duration_seconds",
			Help:    "Time taken to load and compile the rule index",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redirector_index_rules",
			Help: "Rules in the current index snapshot by state",
		},
		[]string{"state"},
	)

	IndexVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redirector_index_version",
			Help: "Version of the published index snapshot",
		},
	)

	ImportCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redirector_import_candidates_total",
			Help: "Total number of import candidates by result",
		},
		[]string{"result"},
	)

	HitsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redirector_hits_flushed_total",
			Help: "Total number of rule hits written to storage",
		},
	)

	HitFlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redirector_hit_flush_failures_total",
			Help: "Total number of failed per-rule hit counter writes",
		},
	)

	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redirector_invalidations_total",
			Help: "Total number of cross-instance index invalidations by direction",
		},
		[]string{"direction"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redirector_http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
