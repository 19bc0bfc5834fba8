package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/auth"
)

// IMAP auth mechanisms.
const (
	IMAPAuthPassword    = "password"
	IMAPAuthOAuthBearer = "oauthbearer"
)

const imapMaxFetch = 10

// IMAPReceiver searches a folder over IMAP/IMAPS. Each Search opens its own
// session.
type IMAPReceiver struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	folder   string
	mech     string
	tokens   TokenSource
	log      *zap.SugaredLogger
}

// NewIMAP creates a new IMAP receiver. tokens is only used with the
// oauthbearer mechanism.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder, mech string, tokens TokenSource, log *zap.SugaredLogger) *IMAPReceiver {
	if folder == "" {
		folder = "INBOX"
	}
	if mech == "" {
		mech = IMAPAuthPassword
	}
	return &IMAPReceiver{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		folder:   folder,
		mech:     mech,
		tokens:   tokens,
		log:      log,
	}
}

func (r *IMAPReceiver) Name() string { return "imap" }

func (r *IMAPReceiver) Search(ctx context.Context, tag string, window time.Duration) ([]Email, error) {
	addr := net.JoinHostPort(r.host, fmt.Sprintf("%d", r.port))

	var client *imapclient.Client
	var err error
	if r.useTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: r.host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, transient("imap connect "+addr, err)
	}
	defer client.Close()

	// imapclient commands are not context aware; closing the connection
	// unblocks any pending Wait.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := r.authenticate(ctx, client); err != nil {
		return nil, err
	}
	defer client.Logout()

	if _, err := client.Select(r.folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, r.commandError(ctx, "imap select "+r.folder, err)
	}

	criteria := &imap.SearchCriteria{
		Since: time.Now().Add(-window),
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: tag},
		},
	}
	searchData, err := client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, r.commandError(ctx, "imap search", err)
	}

	seqNums := searchData.AllSeqNums()
	if len(seqNums) == 0 {
		return nil, nil
	}
	if len(seqNums) > imapMaxFetch {
		seqNums = seqNums[len(seqNums)-imapMaxFetch:]
	}

	headerSection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	}
	buffers, err := client.Fetch(imap.SeqSetNum(seqNums...), fetchOptions).Collect()
	if err != nil {
		return nil, r.commandError(ctx, "imap fetch", err)
	}

	var emails []Email
	for _, buf := range buffers {
		var subject, msgID string
		if buf.Envelope != nil {
			subject = buf.Envelope.Subject
			msgID = buf.Envelope.MessageID
		}
		var received time.Time
		if raw := buf.FindBodySection(headerSection); len(raw) > 0 {
			if h, err := parseHeader(raw); err == nil {
				received = headerTime(h)
				if subject == "" {
					subject = subjectOf(h)
				}
			}
		}
		if !strings.Contains(subject, tag) {
			continue
		}
		if msgID == "" {
			msgID = fmt.Sprintf("imap-%d-%s", buf.SeqNum, r.username)
		}
		emails = append(emails, Email{ID: msgID, Subject: subject, HeaderTime: received})
	}
	return emails, nil
}

func (r *IMAPReceiver) authenticate(ctx context.Context, client *imapclient.Client) error {
	if r.mech != IMAPAuthOAuthBearer {
		if err := client.Login(r.username, r.password).Wait(); err != nil {
			return r.commandError(ctx, "imap login "+r.username, err)
		}
		return nil
	}

	token, err := r.tokens.Token(ctx, auth.Inbound)
	if err != nil {
		return err
	}
	saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: r.username,
		Token:    token,
	})
	if err := client.Authenticate(saslClient); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			r.tokens.Invalidate(auth.Inbound)
		}
		return r.commandError(ctx, "imap authenticate "+r.username, err)
	}
	return nil
}

// commandError classifies a failed command. Tagged NO/BAD replies are
// permanent (rejected login, unknown folder, malformed search); connection
// failures are transient unless ctx was cancelled.
func (r *IMAPReceiver) commandError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return permanent(op, ctx.Err())
		}
		return transient(op, ctx.Err())
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return permanent(op, err)
	}
	return transient(op, err)
}

func (r *IMAPReceiver) Close() error {
	return nil
}
