// Package probe holds the values that flow through one delivery cycle: the
// tagged Probe and the Outcome reported at the end of it.
package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "Email Delivery Test"

// Probe is one synthetic test message. It is created at the start of a cycle
// and discarded when the cycle ends.
type Probe struct {
	ID        string
	Subject   string
	CreatedAt time.Time
	Deadline  time.Time
	SentAt    time.Time // zero until the outbound provider acknowledged the send
}

// New creates a probe with the given id whose deadline is timeout after now.
func New(id, subjectPrefix string, now time.Time, timeout time.Duration) Probe {
	return Probe{
		ID:        id,
		Subject:   Subject(subjectPrefix, id),
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}
}

// WithSentAt returns a copy of p with the send acknowledgment time fixed.
func (p Probe) WithSentAt(t time.Time) Probe {
	p.SentAt = t
	return p
}

// NewID returns a random, non-guessable probe identifier.
func NewID() string {
	return uuid.NewString()
}

// Subject builds the subject line that carries the probe id.
func Subject(prefix, id string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s - %s", prefix, id)
}

// Matches reports whether subject carries the tag of probe id.
func Matches(subject, id string) bool {
	return id != "" && strings.Contains(subject, id)
}
