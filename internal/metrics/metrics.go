package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MailingsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailings_sent_total",
			Help: "Total mailings sent successfully",
		},
	)

	MailingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailing_failures_total",
			Help: "Total failed mailing attempts",
		},
	)

	DispatchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cycles_total",
			Help: "Dispatch cycles by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Duration of a dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MailingsDue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailings_due",
			Help: "Mailings found due in the last dispatch cycle",
		},
	)
)

func Init() {
	prometheus.MustRegister(MailingsSent)
	prometheus.MustRegister(MailingFailures)
	prometheus.MustRegister(DispatchCycles)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(MailingsDue)
}
