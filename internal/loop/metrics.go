package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricSends = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ensemble_dispatch_sends_total",
	Help: "dispatch_turn commands sent to workers by result",
}, []string{"result"})
