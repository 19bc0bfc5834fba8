// Package reporter delivers probe outcomes to the configured sinks.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// Reporter is an outcome sink.
type Reporter interface {
	Name() string
	Report(ctx context.Context, o probe.Outcome) error
}

// ReportError collects the sinks that failed to take an outcome. It never
// stops monitoring; the cycle logs it and moves on.
type ReportError struct {
	Errs []error
}

func (e *ReportError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "report failed: " + strings.Join(msgs, "; ")
}

func (e *ReportError) Unwrap() []error {
	return e.Errs
}

// Multi fans an outcome out to every sink concurrently, each under its own
// timeout, so a slow sink cannot hold up the others or the next cycle.
type Multi struct {
	sinks   []Reporter
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewMulti creates a fan-out over sinks.
func NewMulti(timeout time.Duration, log *zap.SugaredLogger, sinks ...Reporter) *Multi {
	return &Multi{sinks: sinks, timeout: timeout, log: log}
}

func (m *Multi) Name() string { return "multi" }

// Report returns a *ReportError naming each failed sink, or nil.
func (m *Multi) Report(ctx context.Context, o probe.Outcome) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range m.sinks {
		wg.Add(1)
		go func(s Reporter) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			if err := s.Report(sctx, o); err != nil {
				metrics.ReportFailures.WithLabelValues(s.Name()).Inc()
				m.log.Warnw("Outcome sink failed",
					"sink", s.Name(),
					"probeID", o.ProbeID,
					"error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(errs) > 0 {
		return &ReportError{Errs: errs}
	}
	return nil
}

// Close closes every sink that holds resources.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
