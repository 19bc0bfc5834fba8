// Package auth keeps the OAuth access tokens of the outbound and inbound
// mail providers fresh. One Credential per provider is held by a TokenCache
// and refreshed synchronously before use when it is missing or close to
// expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Provider identifies which side of the mail path a credential belongs to.
type Provider int

const (
	Outbound Provider = iota
	Inbound
)

func (p Provider) String() string {
	switch p {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("provider(%d)", int(p))
	}
}

// Credential is the live access token of one provider.
type Credential struct {
	Provider     Provider
	AccessToken  string
	ExpiresAt    time.Time // zero means the endpoint did not report a lifetime
	RefreshToken string
}

// Remaining returns the lifetime left at now.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// String renders the credential without its secrets.
func (c Credential) String() string {
	return fmt.Sprintf("%s token %s (expires %s)", c.Provider, mask(c.AccessToken), c.ExpiresAt.UTC().Format(time.RFC3339))
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

// Acquirer obtains a new access token from a provider's token endpoint.
type Acquirer interface {
	Acquire(ctx context.Context) (*oauth2.Token, error)
}

// ErrNoRefreshToken is returned when no refresh material is available.
var ErrNoRefreshToken = errors.New("no refresh token available")

// AuthError reports a failed token acquisition for a provider.
type AuthError struct {
	Provider Provider
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s token acquisition failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the token endpoint rejected the credentials
// themselves, as opposed to a transient failure reaching it.
func (e *AuthError) Permanent() bool {
	if errors.Is(e.Err, ErrNoRefreshToken) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(e.Err, &re) {
		switch re.ErrorCode {
		case "invalid_client", "invalid_grant", "unauthorized_client":
			return true
		}
	}
	return false
}
