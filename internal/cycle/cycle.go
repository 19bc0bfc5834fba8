// Package cycle runs one send, poll, match and report round trip.
package cycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/auth"
	"github.com/tracyhatemice/mailprobe/internal/poller"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// State is the position of a cycle in its state machine.
type State int

const (
	Idle State = iota
	Sending
	Polling
	Matched
	TimedOut
	Failed
	Reported
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Polling:
		return "polling"
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	case Reported:
		return "reported"
	}
	return "unknown"
}

// Sender submits a probe and returns the acknowledgment time.
type Sender interface {
	SendProbe(ctx context.Context, p probe.Probe) (time.Time, error)
}

// Poller waits for a probe to arrive.
type Poller interface {
	AwaitMatch(ctx context.Context, p probe.Probe) (poller.Match, error)
}

// Reporter delivers an outcome downstream.
type Reporter interface {
	Report(ctx context.Context, o probe.Outcome) error
}

// Ledger rejects probe ids that are still in use.
type Ledger interface {
	Claim(id string, now time.Time) (bool, error)
}

// Options configure a cycle.
type Options struct {
	SubjectPrefix string
	Timeout       time.Duration // send to deadline
	ReportTimeout time.Duration
	ShutdownGrace time.Duration // report budget once ctx is cancelled
	NewID         func() string // defaults to probe.NewID
}

const maxIDAttempts = 3

// Cycle executes probe round trips. A Cycle is reused across ticks but runs
// one round trip at a time.
type Cycle struct {
	sender   Sender
	poller   Poller
	reporter Reporter
	ledger   Ledger
	clock    clock.PassiveClock
	opts     Options
	log      *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

// New creates a Cycle. ledger may be nil.
func New(s Sender, p Poller, r Reporter, ledger Ledger, clk clock.PassiveClock, opts Options, log *zap.SugaredLogger) *Cycle {
	if opts.NewID == nil {
		opts.NewID = probe.NewID
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 10 * time.Second
	}
	return &Cycle{
		sender:   s,
		poller:   p,
		reporter: r,
		ledger:   ledger,
		clock:    clk,
		opts:     opts,
		log:      log,
	}
}

// State returns the current state.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cycle) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Debugw("Cycle state changed", "from", prev.String(), "to", s.String())
}

// Run executes one full cycle and returns its outcome. The outcome is
// reported exactly once, including when ctx is cancelled mid-cycle.
func (c *Cycle) Run(ctx context.Context) probe.Outcome {
	pr := c.newProbe()
	log := c.log.With("probeID", pr.ID)
	log.Infow("Starting probe cycle",
		"subject", pr.Subject,
		"deadline", pr.Deadline.UTC().Format(time.RFC3339))

	outcome := c.execute(ctx, pr, log)
	if outcome.Success {
		log.Infow("Probe delivered",
			"deliverySeconds", *outcome.DeliverySeconds,
			"headerDeliverySeconds", outcome.HeaderDelivery)
	} else {
		log.Warnw("Probe failed",
			"reason", outcome.Reason(),
			"error", outcome.Detail)
	}

	c.report(ctx, outcome, log)
	c.setState(Idle)
	return outcome
}

func (c *Cycle) newProbe() probe.Probe {
	now := c.clock.Now()
	id := c.opts.NewID()
	for attempt := 1; c.ledger != nil; attempt++ {
		ok, err := c.ledger.Claim(id, now)
		if err != nil {
			c.log.Warnw("Failed to persist probe id", "probeID", id, "error", err)
		}
		if ok {
			break
		}
		if attempt == maxIDAttempts {
			c.log.Errorw("Probe id still in use after regenerating, sending anyway", "probeID", id, "attempts", attempt)
			break
		}
		c.log.Warnw("Probe id already in use, regenerating", "probeID", id, "attempt", attempt)
		id = c.opts.NewID()
	}
	return probe.New(id, c.opts.SubjectPrefix, now, c.opts.Timeout)
}

func (c *Cycle) execute(ctx context.Context, pr probe.Probe, log *zap.SugaredLogger) probe.Outcome {
	c.setState(Sending)
	sentAt, err := c.sender.SendProbe(ctx, pr)
	if err != nil {
		c.setState(Failed)
		return probe.Failed(pr.ID, classifySend(ctx, err), err, c.clock.Now())
	}
	pr = pr.WithSentAt(sentAt)

	c.setState(Polling)
	log.Infow("Polling inbox", "sentAt", sentAt.UTC().Format(time.RFC3339Nano))
	m, err := c.poller.AwaitMatch(ctx, pr)
	if err != nil {
		reason := classifyPoll(ctx, err)
		if reason == probe.FailureTimeout {
			c.setState(TimedOut)
		} else {
			c.setState(Failed)
		}
		return probe.Failed(pr.ID, reason, err, c.clock.Now())
	}

	c.setState(Matched)
	o := probe.Delivered(pr.ID, pr.SentAt, m.ArrivedAt, c.clock.Now())
	if !m.HeaderTime.IsZero() {
		h := probe.ClampSeconds(m.HeaderTime.Sub(pr.SentAt))
		o.HeaderDelivery = &h
	}
	return o
}

// report hands o to the reporter under its own timeout. After cancellation
// the report runs detached from ctx, bounded by the shutdown grace.
func (c *Cycle) report(ctx context.Context, o probe.Outcome, log *zap.SugaredLogger) {
	timeout := c.opts.ReportTimeout
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
		if c.opts.ShutdownGrace > 0 && c.opts.ShutdownGrace < timeout {
			timeout = c.opts.ShutdownGrace
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.reporter.Report(ctx, o); err != nil {
		log.Errorw("Failed to report outcome", "success", o.Success, "error", err)
	}
	c.setState(Reported)
}

func classifySend(ctx context.Context, err error) probe.FailureReason {
	if ctx.Err() != nil {
		return probe.FailureAborted
	}
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		return probe.FailureAuth
	}
	return probe.FailureSend
}

func classifyPoll(ctx context.Context, err error) probe.FailureReason {
	if ctx.Err() != nil {
		return probe.FailureAborted
	}
	var te *poller.TimeoutError
	if errors.As(err, &te) {
		return probe.FailureTimeout
	}
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		return probe.FailureAuth
	}
	return probe.FailurePoll
}
