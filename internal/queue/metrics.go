package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	delayed   prometheus.Gauge
}

// newMetrics registers the queue collectors on reg. A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicjobs_jobs_enqueued_total",
			Help: "Jobs accepted by the queue",
		}, []string{"queue", "kind"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicjobs_jobs_completed_total",
			Help: "Jobs that reached a final state",
		}, []string{"queue", "kind", "result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicjobs_jobs_retries_total",
			Help: "Failed attempts that were scheduled for retry",
		}, []string{"queue", "kind"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinicjobs_jobs_duration_seconds",
			Help:    "Handler attempt latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "kind"}),
		delayed: f.NewGauge(prometheus.GaugeOpts{
			Name: "clinicjobs_jobs_delayed_pending",
			Help: "Jobs waiting in the delayed heap",
		}),
	}
}
