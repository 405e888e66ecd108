package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	sentTotal   *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		sentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envpilot",
			Subsystem: "notify",
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered per channel",
		}, []string{"channel"})
		if err := prometheus.Register(sentTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if v, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					sentTotal = v
				}
			}
		}
	})
}

func recordSent(channel string) {
	initMetrics()
	sentTotal.With(prometheus.Labels{"channel": channel}).Inc()
}
