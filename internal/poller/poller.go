// Package poller waits for a probe to show up in the inbound mailbox.
package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
	"github.com/tracyhatemice/mailprobe/internal/receiver"
)

// Match describes the inbound observation of a probe.
type Match struct {
	ArrivedAt  time.Time // monitor clock right after the matching query returned
	HeaderTime time.Time // auxiliary, zero when the headers carried no usable time
	MessageID  string
}

// TimeoutError means the probe was not observed before its deadline, or
// transient query failures exhausted the retry budget first.
type TimeoutError struct {
	ProbeID   string
	Deadline  time.Time
	Transient int
	LastErr   error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("probe %s not observed: %d transient query errors, last: %v", e.ProbeID, e.Transient, e.LastErr)
	}
	return fmt.Sprintf("probe %s not observed before %s", e.ProbeID, e.Deadline.UTC().Format(time.RFC3339))
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// PollError means the inbox could not be queried at all.
type PollError struct {
	ProbeID string
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("polling for probe %s failed: %v", e.ProbeID, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// Options tune the poll loop.
type Options struct {
	Interval         time.Duration // pause between queries that found nothing
	RequestTimeout   time.Duration // bound on a single query
	SearchWindow     time.Duration // recency filter passed to the receiver
	MaxErrors        int           // consecutive transient failures tolerated
	QueriesPerSecond float64       // zero disables throttling
}

// Poller queries a receiver until a probe matches or its deadline passes.
type Poller struct {
	receiver receiver.Receiver
	clock    clock.Clock
	limiter  *rate.Limiter
	opts     Options
	log      *zap.SugaredLogger
}

// New creates a Poller.
func New(r receiver.Receiver, clk clock.Clock, opts Options, log *zap.SugaredLogger) *Poller {
	var limiter *rate.Limiter
	if opts.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), 1)
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 1
	}
	return &Poller{
		receiver: r,
		clock:    clk,
		limiter:  limiter,
		opts:     opts,
		log:      log,
	}
}

// AwaitMatch polls until p appears in the inbox. It fails with
// *TimeoutError once p.Deadline passes, with *PollError on a permanent
// query failure, and with ctx.Err() when ctx is cancelled.
func (p *Poller) AwaitMatch(ctx context.Context, pr probe.Probe) (Match, error) {
	backend := p.receiver.Name()
	consecutive := 0
	queries := 0

	for {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		if !p.clock.Now().Before(pr.Deadline) {
			return Match{}, &TimeoutError{ProbeID: pr.ID, Deadline: pr.Deadline}
		}
		if err := p.throttle(ctx); err != nil {
			return Match{}, err
		}

		queries++
		emails, err := p.query(ctx, pr)
		wait := p.opts.Interval

		switch {
		case err == nil:
			consecutive = 0
			for _, e := range emails {
				if !probe.Matches(e.Subject, pr.ID) {
					continue
				}
				arrivedAt := p.clock.Now()
				metrics.InboxQueries.WithLabelValues(backend, "match").Inc()
				p.log.Infow("Probe observed in inbox",
					"probeID", pr.ID,
					"backend", backend,
					"queries", queries,
					"messageID", e.ID)
				return Match{ArrivedAt: arrivedAt, HeaderTime: e.HeaderTime, MessageID: e.ID}, nil
			}
			metrics.InboxQueries.WithLabelValues(backend, "empty").Inc()
			p.log.Debugw("Probe not in inbox yet", "probeID", pr.ID, "backend", backend)

		case ctx.Err() != nil:
			return Match{}, ctx.Err()

		case receiver.IsPermanent(err):
			metrics.InboxQueries.WithLabelValues(backend, "permanent").Inc()
			return Match{}, &PollError{ProbeID: pr.ID, Err: err}

		default:
			consecutive++
			metrics.InboxQueries.WithLabelValues(backend, "transient").Inc()
			p.log.Warnw("Inbox query failed, retrying",
				"probeID", pr.ID,
				"backend", backend,
				"attempt", consecutive,
				"maxErrors", p.opts.MaxErrors,
				"error", err)
			if consecutive >= p.opts.MaxErrors {
				return Match{}, &TimeoutError{
					ProbeID:   pr.ID,
					Deadline:  pr.Deadline,
					Transient: consecutive,
					LastErr:   err,
				}
			}
			wait = backoff(consecutive, p.opts.Interval)
		}

		if remaining := pr.Deadline.Sub(p.clock.Now()); wait > remaining {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Match{}, err
		}
	}
}

func (p *Poller) query(ctx context.Context, pr probe.Probe) ([]receiver.Email, error) {
	timeout := p.opts.RequestTimeout
	if remaining := pr.Deadline.Sub(p.clock.Now()); timeout <= 0 || remaining < timeout {
		timeout = remaining
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.receiver.Search(ctx, pr.ID, p.opts.SearchWindow)
}

// throttle waits for a limiter reservation measured on the injected clock.
func (p *Poller) throttle(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	now := p.clock.Now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	return p.sleep(ctx, r.DelayFrom(now))
}

// sleep waits d on the injected clock, returning early when ctx is done.
func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff doubles from one second per consecutive failure, capped at max.
func backoff(attempt int, max time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
