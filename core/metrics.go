package nickel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	thunkEvals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ncl_thunk_evaluations_total",
		Help: "Thunks evaluated (first force only)",
	})

	memoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ncl_thunk_memo_hits_total",
		Help: "Forces answered from a memoized value",
	})

	blackHoles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ncl_black_holes_total",
		Help: "Thunks re-entered while being forced",
	})

	contractChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ncl_contract_checks_total",
		Help: "Contract applications",
	})

	contractViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ncl_contract_violations_total",
		Help: "Contract applications that raised a blame error",
	})

	// requestDuration tracks core request latency by op and outcome
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ncl_request_duration_seconds",
		Help:    "Core request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	}, []string{"op", "result"})

	definitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ncl_workspace_definitions",
		Help: "Definitions currently in the workspace",
	})
)
