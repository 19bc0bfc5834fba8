package reporter

import (
	"context"

	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// Prometheus mirrors outcomes into the process collectors served on
// /metrics.
type Prometheus struct{}

func (Prometheus) Name() string { return "prometheus" }

func (Prometheus) Report(_ context.Context, o probe.Outcome) error {
	result := "delivered"
	if o.Success && o.DeliverySeconds != nil {
		metrics.DeliverySuccess.Set(1)
		metrics.DeliverySeconds.Set(*o.DeliverySeconds)
		metrics.DeliveryDuration.Observe(*o.DeliverySeconds)
	} else {
		metrics.DeliverySuccess.Set(0)
		result = string(o.Reason())
	}
	metrics.ProbeOutcomes.WithLabelValues(result).Inc()
	metrics.LastOutcomeTimestamp.Set(float64(o.MeasuredAt.Unix()))
	return nil
}
