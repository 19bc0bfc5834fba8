package probe

import (
	"time"
)

// FailureReason classifies why a cycle did not produce a delivery time.
type FailureReason string

const (
	FailureAuth    FailureReason = "auth_error"
	FailureSend    FailureReason = "send_error"
	FailureTimeout FailureReason = "timeout"
	FailurePoll    FailureReason = "poll_error"
	FailureAborted FailureReason = "aborted"
)

// Outcome is the single result of a cycle. Exactly one of DeliverySeconds
// and FailureReason is set.
type Outcome struct {
	ProbeID         string         `json:"probe_id"`
	Success         bool           `json:"success"`
	DeliverySeconds *float64       `json:"delivery_seconds,omitempty"`
	FailureReason   *FailureReason `json:"failure_reason,omitempty"`
	MeasuredAt      time.Time      `json:"measured_at"`

	// HeaderDelivery is the delivery time derived from the message headers.
	// It is diagnostic only and never reported as the delivery metric.
	HeaderDelivery *float64 `json:"header_delivery_seconds,omitempty"`
	// Detail carries the error text of a failed cycle for logs and events.
	Detail string `json:"detail,omitempty"`
}

// Delivered builds a successful outcome. Negative intervals caused by clock
// skew are reported as zero.
func Delivered(id string, sentAt, arrivedAt, measuredAt time.Time) Outcome {
	secs := ClampSeconds(arrivedAt.Sub(sentAt))
	return Outcome{
		ProbeID:         id,
		Success:         true,
		DeliverySeconds: &secs,
		MeasuredAt:      measuredAt,
	}
}

// Failed builds a failed outcome.
func Failed(id string, reason FailureReason, err error, measuredAt time.Time) Outcome {
	o := Outcome{
		ProbeID:       id,
		FailureReason: &reason,
		MeasuredAt:    measuredAt,
	}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}

// Reason returns the failure reason or the empty string on success.
func (o Outcome) Reason() FailureReason {
	if o.FailureReason == nil {
		return ""
	}
	return *o.FailureReason
}

// Valid reports whether the outcome satisfies the success/failure exclusivity.
func (o Outcome) Valid() bool {
	if o.Success {
		return o.DeliverySeconds != nil && o.FailureReason == nil && *o.DeliverySeconds >= 0
	}
	return o.DeliverySeconds == nil && o.FailureReason != nil
}

// ClampSeconds converts d to seconds, never below zero.
func ClampSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
