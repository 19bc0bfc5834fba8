// Package metrics defines the prometheus collectors exported by mailprobe.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery series, set once per cycle by the prometheus reporter.
	DeliverySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailprobe_delivery_seconds",
		Help: "Delivery time of the last successfully matched probe",
	})
	DeliverySuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailprobe_delivery_success",
		Help: "1 if the last probe was delivered, 0 otherwise",
	})
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailprobe_delivery_duration_seconds",
		Help:    "Distribution of probe delivery times",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180, 300, 600},
	})
	ProbeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_probe_outcomes_total",
		Help: "Completed probe cycles by result (delivered or failure reason)",
	}, []string{"result"})
	LastOutcomeTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailprobe_last_outcome_timestamp_seconds",
		Help: "Unix time at which the last outcome was measured",
	})

	// Provider interaction metrics.
	TokenAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_token_acquisitions_total",
		Help: "OAuth token acquisitions and refreshes by provider and result",
	}, []string{"provider", "result"})
	ProbeSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_probe_sends_total",
		Help: "Probe submissions to the outbound provider by result",
	}, []string{"transport", "result"})
	InboxQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_inbox_queries_total",
		Help: "Inbox search queries by result (match, empty, transient, permanent)",
	}, []string{"backend", "result"})

	// Scheduling and reporting health.
	CyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailprobe_cycles_skipped_total",
		Help: "Scheduler ticks skipped because the previous cycle was still running",
	})
	ReportFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_report_failures_total",
		Help: "Outcome deliveries that failed, by sink",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(DeliverySeconds)
	prometheus.MustRegister(DeliverySuccess)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(ProbeOutcomes)
	prometheus.MustRegister(LastOutcomeTimestamp)
	prometheus.MustRegister(TokenAcquisitions)
	prometheus.MustRegister(ProbeSends)
	prometheus.MustRegister(InboxQueries)
	prometheus.MustRegister(CyclesSkipped)
	prometheus.MustRegister(ReportFailures)
}

// Handler returns an http.Handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
