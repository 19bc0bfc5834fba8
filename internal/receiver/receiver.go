package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tracyhatemice/mailprobe/internal/auth"
)

// Email is an inbound message whose subject carried the searched tag.
type Email struct {
	ID         string    // provider message id, Message-ID, or sequence fallback
	Subject    string    // decoded subject
	HeaderTime time.Time // topmost Received date, else Date; zero if neither parses
}

// Receiver searches the monitored mailbox for recent messages.
type Receiver interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Search returns messages from roughly the last window whose subject
	// contains tag. An empty result with a nil error means "not yet".
	Search(ctx context.Context, tag string, window time.Duration) ([]Email, error)

	// Close releases any resources held by the receiver.
	Close() error
}

// TokenSource hands out bearer tokens and drops rejected ones.
type TokenSource interface {
	Token(ctx context.Context, p auth.Provider) (string, error)
	Invalidate(p auth.Provider)
}

// QueryError is a failed inbox query. Permanent errors (rejected
// credentials, malformed queries) are not worth retrying within a cycle.
type QueryError struct {
	Op         string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err should end polling immediately. Token
// failures and cancellation are permanent; a per-request deadline is not.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		return true
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Permanent
	}
	return false
}

func transient(op string, err error) error {
	return &QueryError{Op: op, Err: err}
}

func permanent(op string, err error) error {
	return &QueryError{Op: op, Permanent: true, Err: err}
}
