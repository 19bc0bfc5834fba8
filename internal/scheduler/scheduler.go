// Package scheduler starts probe cycles on a fixed cadence.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// Runner executes one probe cycle.
type Runner interface {
	Run(ctx context.Context) probe.Outcome
}

// Scheduler runs a cycle immediately and then on every tick. At most one
// cycle runs at a time; a tick that arrives while a cycle is still running
// is skipped, so the cadence never drifts with cycle duration.
type Scheduler struct {
	runner   Runner
	clock    clock.WithTicker
	interval time.Duration
	log      *zap.SugaredLogger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(r Runner, clk clock.WithTicker, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{runner: r, clock: clk, interval: interval, log: log}
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run blocks until ctx is cancelled and the in-flight cycle, if any, has
// finished reporting.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Infow("Starting scheduler", "interval", s.interval)

	// Run immediately on start, then on interval.
	s.start(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.Running() {
				s.log.Infow("Waiting for the running cycle to report")
			}
			s.wg.Wait()
			s.log.Infow("Scheduler stopped")
			return
		case <-ticker.C():
			if s.Running() {
				metrics.CyclesSkipped.Inc()
				s.log.Warnw("Previous cycle still running, skipping tick", "interval", s.interval)
				continue
			}
			s.start(ctx)
		}
	}
}

func (s *Scheduler) start(ctx context.Context) {
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runner.Run(ctx)
	}()
}
