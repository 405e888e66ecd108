package reconcile

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce      sync.Once
	transitionsTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envpilot",
			Subsystem: "reconcile",
			Name:      "terminal_transitions_total",
			Help:      "Committed transitions into a terminal deployment status",
		}, []string{"status"})
		if err := prometheus.Register(transitionsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if v, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					transitionsTotal = v
				}
			}
		}
	})
}

func recordTransition(status string) {
	initMetrics()
	transitionsTotal.With(prometheus.Labels{"status": status}).Inc()
}
