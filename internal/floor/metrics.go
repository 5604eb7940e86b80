package floor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemble_passes_total",
		Help: "Scheduling passes by trigger and outcome reason",
	}, []string{"trigger", "reason"})

	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemble_state_transitions_total",
		Help: "Scheduler state transitions",
	}, []string{"from", "to"})

	metricWinnerScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ensemble_winner_score",
		Help:    "Score of the candidate that was dispatched",
		Buckets: prometheus.LinearBuckets(-100, 25, 13),
	})

	metricDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_dispatch_failures_total",
		Help: "Turns that were selected but could not be handed to the host",
	})

	metricInstructionsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_instructions_consumed_total",
		Help: "Pending instructions appended to a generation prompt",
	})
)
