package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailprobe/internal/auth"
	"github.com/tracyhatemice/mailprobe/internal/logging"
)

type imapMessage struct {
	subject  string
	msgID    string
	received time.Time
	// internal is the INTERNALDATE the server matches SINCE against.
	internal time.Time
}

func (m imapMessage) raw() string {
	return "Received: from mx.contoso.example by imap.example.net;\r\n" +
		"\t" + m.received.Format(time.RFC1123Z) + "\r\n" +
		"Date: " + m.received.Add(-5*time.Second).Format(time.RFC1123Z) + "\r\n" +
		"From: monitor@contoso.example\r\n" +
		"To: inbox@example.net\r\n" +
		"Subject: " + m.subject + "\r\n" +
		"Message-ID: <" + m.msgID + ">\r\n" +
		"\r\n" +
		"body\r\n"
}

// imapServer serves an in-memory INBOX for user "monitor" with password
// "secret" and returns its port.
func imapServer(t *testing.T, messages ...imapMessage) int {
	t.Helper()
	user := imapmemserver.NewUser("monitor", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	for _, m := range messages {
		_, err := user.Append("INBOX", bytes.NewReader([]byte(m.raw())), &imap.AppendOptions{Time: m.internal})
		require.NoError(t, err)
	}
	mem := imapmemserver.New()
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestIMAPSearch(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	port := imapServer(t,
		imapMessage{subject: "Email Delivery Test - tag-a", msgID: "a@contoso.example", received: now.Add(-10 * time.Second), internal: now},
		imapMessage{subject: "Weekly report", msgID: "r@contoso.example", received: now, internal: now},
		imapMessage{subject: "Email Delivery Test - tag-b", msgID: "b@contoso.example", received: now, internal: now},
		imapMessage{subject: "Email Delivery Test - tag-a", msgID: "old@contoso.example", received: now.Add(-72 * time.Hour), internal: now.Add(-72 * time.Hour)},
	)

	r := NewIMAP("127.0.0.1", port, "monitor", "secret", false, "", "", nil, logging.NewTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	emails, err := r.Search(ctx, "tag-a", time.Hour)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Contains(t, emails[0].ID, "a@contoso.example")
	assert.Equal(t, "Email Delivery Test - tag-a", emails[0].Subject)
	assert.True(t, now.Add(-10*time.Second).Equal(emails[0].HeaderTime), "got %s", emails[0].HeaderTime)
}

func TestIMAPSearchFetchesNewestMatches(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	var messages []imapMessage
	for i := 1; i <= imapMaxFetch+2; i++ {
		messages = append(messages,
			imapMessage{subject: "Email Delivery Test - tag-c", msgID: fmt.Sprintf("c-%d@contoso.example", i), received: now, internal: now},
			imapMessage{subject: "Unrelated", msgID: fmt.Sprintf("u-%d@contoso.example", i), received: now, internal: now},
		)
	}
	port := imapServer(t, messages...)

	r := NewIMAP("127.0.0.1", port, "monitor", "secret", false, "INBOX", IMAPAuthPassword, nil, logging.NewTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	emails, err := r.Search(ctx, "tag-c", time.Hour)
	require.NoError(t, err)
	require.Len(t, emails, imapMaxFetch)
	for i, e := range emails {
		assert.Contains(t, e.ID, fmt.Sprintf("c-%d@contoso.example", i+3))
	}
}

func TestIMAPSearchErrors(t *testing.T) {
	port := imapServer(t)
	log := logging.NewTestLogger()

	tests := []struct {
		name            string
		receiver        func(tokens *fakeTokens) *IMAPReceiver
		tokenErr        error
		wantInvalidated []auth.Provider
	}{
		{
			name: "rejected login",
			receiver: func(*fakeTokens) *IMAPReceiver {
				return NewIMAP("127.0.0.1", port, "monitor", "wrong", false, "", IMAPAuthPassword, nil, log)
			},
		},
		{
			name: "unknown folder",
			receiver: func(*fakeTokens) *IMAPReceiver {
				return NewIMAP("127.0.0.1", port, "monitor", "secret", false, "Missing", IMAPAuthPassword, nil, log)
			},
		},
		{
			name: "rejected bearer token",
			receiver: func(tokens *fakeTokens) *IMAPReceiver {
				return NewIMAP("127.0.0.1", port, "monitor", "", false, "", IMAPAuthOAuthBearer, tokens, log)
			},
			wantInvalidated: []auth.Provider{auth.Inbound},
		},
		{
			name: "token refresh failure",
			receiver: func(tokens *fakeTokens) *IMAPReceiver {
				return NewIMAP("127.0.0.1", port, "monitor", "", false, "", IMAPAuthOAuthBearer, tokens, log)
			},
			tokenErr: &auth.AuthError{Provider: auth.Inbound, Err: errors.New("invalid_grant")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{err: tt.tokenErr}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_, err := tt.receiver(tokens).Search(ctx, "tag", time.Hour)
			require.Error(t, err)
			assert.True(t, IsPermanent(err), "error %v should be permanent", err)
			assert.Equal(t, tt.wantInvalidated, tokens.invalidated)
		})
	}
}
