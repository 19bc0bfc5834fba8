package probe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate probe id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New("abc", "", now, 300*time.Second)

	assert.Equal(t, "Email Delivery Test - abc", p.Subject)
	assert.Equal(t, now.Add(5*time.Minute), p.Deadline)
	assert.True(t, p.SentAt.IsZero())

	sent := p.WithSentAt(now.Add(time.Second))
	assert.Equal(t, now.Add(time.Second), sent.SentAt)
	assert.True(t, p.SentAt.IsZero(), "WithSentAt must not modify its receiver")
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("Delivery-Test - 1234", "1234"))
	assert.True(t, Matches("RE: Delivery-Test - 1234", "1234"))
	assert.False(t, Matches("Delivery-Test - 5678", "1234"))
	assert.False(t, Matches("anything", ""))
}

func TestDeliveredClampsNegative(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	o := Delivered("p1", sent, sent.Add(-2*time.Second), sent)
	require.True(t, o.Valid())
	assert.Equal(t, 0.0, *o.DeliverySeconds)

	o = Delivered("p1", sent, sent.Add(4500*time.Millisecond), sent)
	require.True(t, o.Valid())
	assert.InDelta(t, 4.5, *o.DeliverySeconds, 1e-9)
	assert.Empty(t, o.Reason())
}

func TestFailedOutcome(t *testing.T) {
	now := time.Now()
	o := Failed("p2", FailureTimeout, errors.New("no match"), now)

	assert.True(t, o.Valid())
	assert.False(t, o.Success)
	assert.Nil(t, o.DeliverySeconds)
	assert.Equal(t, FailureTimeout, o.Reason())
	assert.Equal(t, "no match", o.Detail)
}

func TestOutcomeValid(t *testing.T) {
	secs := 1.0
	reason := FailureSend
	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{"neither set", Outcome{}, false},
		{"both set", Outcome{Success: true, DeliverySeconds: &secs, FailureReason: &reason}, false},
		{"success without seconds", Outcome{Success: true}, false},
		{"failure with seconds", Outcome{DeliverySeconds: &secs, FailureReason: &reason}, false},
		{"success", Outcome{Success: true, DeliverySeconds: &secs}, true},
		{"failure", Outcome{FailureReason: &reason}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.Valid())
		})
	}
}
