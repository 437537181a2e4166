package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drop_runner_tasks_created_total",
		Help: "Total number of tasks created",
	})

	RunnersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drop_runner_runners_started_total",
		Help: "Total number of runners started",
	})

	RunnersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drop_runner_runners_active",
		Help: "Number of runners currently active",
	})

	RunnerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drop_runner_runner_outcomes_total",
		Help: "Runners that reached a terminal stage, by stage",
	}, []string{"stage"})

	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drop_runner_stage_transitions_total",
		Help: "Runner state machine transitions, by target stage",
	}, []string{"stage"})

	ProxySwaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drop_runner_proxy_swaps_total",
		Help: "Total number of proxy swaps triggered by ban signals",
	})

	Proxies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drop_runner_proxies",
		Help: "Registered proxies by pool state",
	}, []string{"state"})

	StorefrontResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drop_runner_storefront_responses_total",
		Help: "Storefront responses by operation and classification",
	}, []string{"op", "class"})

	StorefrontLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drop_runner_storefront_request_duration_seconds",
		Help:    "Storefront request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	CheckoutStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drop_runner_checkout_stage_duration_seconds",
		Help:    "Checkout pipeline stage duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)
