package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/auth"
	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// Message is a composed probe email.
type Message struct {
	ProbeID string
	From    string
	To      string
	Subject string
	Body    string
}

// Transport submits a composed message to the outbound provider.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// SendError reports that the outbound provider rejected the probe or could
// not be reached. StatusCode is zero for transport errors.
type SendError struct {
	Transport  string
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failed (status %d): %v", e.Transport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s send failed: %v", e.Transport, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Sender builds probe messages and submits them through a Transport.
type Sender struct {
	transport Transport
	composer  *Composer
	clock     clock.PassiveClock
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// New creates a Sender. timeout bounds each submission.
func New(transport Transport, composer *Composer, clk clock.PassiveClock, timeout time.Duration, log *zap.SugaredLogger) *Sender {
	return &Sender{
		transport: transport,
		composer:  composer,
		clock:     clk,
		timeout:   timeout,
		log:       log,
	}
}

// SendProbe submits p and returns the time the provider acknowledged it.
// Outbound token failures are returned as *auth.AuthError, everything else
// as *SendError.
func (s *Sender) SendProbe(ctx context.Context, p probe.Probe) (time.Time, error) {
	msg, err := s.composer.Compose(p, s.clock.Now())
	if err != nil {
		return time.Time{}, &SendError{Transport: s.transport.Name(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.transport.Deliver(ctx, msg); err != nil {
		metrics.ProbeSends.WithLabelValues(s.transport.Name(), "failure").Inc()
		var ae *auth.AuthError
		if errors.As(err, &ae) {
			return time.Time{}, err
		}
		var se *SendError
		if errors.As(err, &se) {
			return time.Time{}, err
		}
		return time.Time{}, &SendError{Transport: s.transport.Name(), Err: err}
	}

	// Acknowledgment time, not composition time, is the basis of the measurement.
	sentAt := s.clock.Now()
	metrics.ProbeSends.WithLabelValues(s.transport.Name(), "success").Inc()
	s.log.Infow("Probe sent",
		"probeID", p.ID,
		"transport", s.transport.Name(),
		"to", msg.To)
	return sentAt, nil
}
