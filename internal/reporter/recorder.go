package reporter

import (
	"context"
	"sync"

	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// Recorder keeps the most recent outcome for the status endpoint.
type Recorder struct {
	mu    sync.RWMutex
	last  probe.Outcome
	count int
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Report(_ context.Context, o probe.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = o
	r.count++
	return nil
}

// Last returns the latest outcome and the number of outcomes seen.
func (r *Recorder) Last() (probe.Outcome, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.count
}
