package workerws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricWorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ensemble_worker_messages_total",
	Help: "Messages received from generation workers by type",
}, []string{"type"})

var knownTypes = map[string]bool{
	"message":           true,
	"generation_ended":  true,
	"before_generation": true,
	"cmd_ack":           true,
	"worker_hello":      true,
}

// typeLabel keeps the label set bounded: worker-chosen types collapse into "other".
func typeLabel(typ string) string {
	if knownTypes[typ] {
		return typ
	}
	return "other"
}
