package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/endpoints"
)

// Default OAuth scopes of the supported providers.
const (
	GraphScope         = "https://graph.microsoft.com/.default"
	GmailReadonlyScope = "https://www.googleapis.com/auth/gmail.readonly"
	GmailIMAPScope     = "https://mail.google.com/"
)

// ClientCredentials acquires application tokens with the client credentials
// grant, as used for Microsoft Graph.
type ClientCredentials struct {
	cfg *clientcredentials.Config
}

// NewClientCredentials builds an acquirer for an Entra ID tenant. tokenURL
// overrides the tenant's v2 token endpoint when set.
func NewClientCredentials(tenantID, clientID, clientSecret, tokenURL string, scopes ...string) *ClientCredentials {
	if tokenURL == "" {
		tokenURL = endpoints.AzureAD(tenantID).TokenURL
	}
	if len(scopes) == 0 {
		scopes = []string{GraphScope}
	}
	return &ClientCredentials{cfg: &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}}
}

func (c *ClientCredentials) Acquire(ctx context.Context) (*oauth2.Token, error) {
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials token failed: %w", err)
	}
	return tok, nil
}

// RefreshToken exchanges stored refresh material for access tokens, as used
// for Gmail. Rotated refresh tokens are written back to the store.
type RefreshToken struct {
	cfg   oauth2.Config
	store RefreshStore
	log   *zap.SugaredLogger
}

// NewRefreshToken builds a refresh-token acquirer. An empty tokenURL selects
// the Google token endpoint.
func NewRefreshToken(clientID, clientSecret, tokenURL string, store RefreshStore, log *zap.SugaredLogger) *RefreshToken {
	endpoint := endpoints.Google
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	return &RefreshToken{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		store: store,
		log:   log,
	}
}

func (r *RefreshToken) Acquire(ctx context.Context) (*oauth2.Token, error) {
	refresh, err := r.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if refresh == "" {
		return nil, ErrNoRefreshToken
	}

	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange failed: %w", err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := r.store.Save(tok.RefreshToken); err != nil {
			r.log.Warnw("Failed to persist rotated refresh token", "error", err)
		} else {
			r.log.Infow("Persisted rotated refresh token")
		}
	}
	return tok, nil
}
