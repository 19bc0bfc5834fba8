package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/tracyhatemice/mailprobe/internal/auth"
	"github.com/tracyhatemice/mailprobe/internal/config"
	"github.com/tracyhatemice/mailprobe/internal/receiver"
)

func newAuthorizeCommand(rt *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Bootstrap provider credentials",
	}
	cmd.AddCommand(newAuthorizeGmailCommand(rt))
	return cmd
}

func newAuthorizeGmailCommand(rt *runtimeState) *cobra.Command {
	var redirectURL string

	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Obtain a Gmail refresh token through the OAuth consent screen",
		Long: `Obtain a Gmail refresh token through the OAuth consent screen.

The consent URL is printed; after granting access paste the authorization
code, or the whole URL the browser was redirected to. The refresh token is
written to inbound.gmail.token_file, or to the OS keyring under
inbound.gmail.keyring_service. Without either it is printed.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{uncheckedConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return authorizeGmail(cmd.Context(), rt, redirectURL, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&redirectURL, "redirect-url", "http://localhost", "redirect URL registered for the OAuth client")
	return cmd
}

func authorizeGmail(ctx context.Context, rt *runtimeState, redirectURL string, in io.Reader, out io.Writer) error {
	g := rt.cfg.Inbound.Gmail
	if g.ClientID == "" || g.ClientSecret == "" {
		return &exitError{code: exitConfig, err: errors.New("inbound.gmail.client_id and client_secret are required")}
	}

	oc := gmailOAuthConfig(rt.cfg, redirectURL)
	state := uuid.NewString()
	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(out, "Open this URL in a browser signed in as %s and grant access:\n\n  %s\n\n",
		rt.cfg.Inbound.Recipient, authURL)
	fmt.Fprint(out, "Authorization code or redirected URL: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return fmt.Errorf("read authorization code: %w", err)
	}
	code, err := authorizationCode(strings.TrimSpace(line), state)
	if err != nil {
		return err
	}

	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("no refresh token returned; revoke the application's access and authorize again")
	}

	store, where := bootstrapStore(g, rt.cfg.Inbound.Recipient)
	if store == nil {
		fmt.Fprintf(out, "\nRefresh token (set inbound.gmail.refresh_token):\n%s\n", tok.RefreshToken)
		return nil
	}
	if err := store.Save(tok.RefreshToken); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	rt.log.Infow("Stored Gmail refresh token", "store", where)
	fmt.Fprintf(out, "\nRefresh token stored in %s\n", where)
	return nil
}

func gmailOAuthConfig(cfg *config.Config, redirectURL string) *oauth2.Config {
	g := cfg.Inbound.Gmail
	endpoint := endpoints.Google
	if g.TokenURL != "" {
		endpoint.TokenURL = g.TokenURL
	}

	scope := auth.GmailReadonlyScope
	if cfg.Inbound.Provider == config.InboundIMAP && cfg.Inbound.IMAP.Auth == receiver.IMAPAuthOAuthBearer {
		scope = auth.GmailIMAPScope
	}

	return &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURL,
		Scopes:       []string{scope},
	}
}

// authorizationCode extracts the code from user input, which is either the
// bare code or the full redirect URL.
func authorizationCode(input, state string) (string, error) {
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	if s := q.Get("state"); s != "" && s != state {
		return "", errors.New("state mismatch in redirect URL")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL carries no code")
	}
	return code, nil
}

func bootstrapStore(g config.Gmail, account string) (auth.RefreshStore, string) {
	switch {
	case g.TokenFile != "":
		return &auth.FileStore{Path: g.TokenFile}, g.TokenFile
	case g.KeyringService != "":
		return &auth.KeyringStore{Service: g.KeyringService, User: account}, "keyring " + g.KeyringService
	default:
		return nil, ""
	}
}
