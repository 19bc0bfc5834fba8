package sender

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tracyhatemice/mailprobe/internal/auth"
)

// TokenSource hands out bearer tokens and drops rejected ones.
type TokenSource interface {
	Token(ctx context.Context, p auth.Provider) (string, error)
	Invalidate(p auth.Provider)
}

// GraphTransport sends probes with the Microsoft Graph sendMail action.
type GraphTransport struct {
	client *resty.Client
	tokens TokenSource
	sender string
}

type graphSendMail struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

type graphMessage struct {
	Subject      string           `json:"subject"`
	Body         graphBody        `json:"body"`
	ToRecipients []graphRecipient `json:"toRecipients"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphAddress `json:"emailAddress"`
}

type graphAddress struct {
	Address string `json:"address"`
}

// NewGraphTransport creates a transport posting to apiURL on behalf of the
// sender mailbox.
func NewGraphTransport(apiURL, sender string, tokens TokenSource, timeout time.Duration) *GraphTransport {
	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &GraphTransport{client: client, tokens: tokens, sender: sender}
}

func (g *GraphTransport) Name() string { return "graph" }

func (g *GraphTransport) Deliver(ctx context.Context, msg Message) error {
	token, err := g.tokens.Token(ctx, auth.Outbound)
	if err != nil {
		return err
	}

	payload := graphSendMail{
		Message: graphMessage{
			Subject: msg.Subject,
			Body:    graphBody{ContentType: "Text", Content: msg.Body},
			ToRecipients: []graphRecipient{
				{EmailAddress: graphAddress{Address: msg.To}},
			},
		},
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		SetPathParam("sender", g.sender).
		Post("/users/{sender}/sendMail")
	if err != nil {
		return &SendError{Transport: g.Name(), Err: fmt.Errorf("graph sendMail: %w", err)}
	}

	switch resp.StatusCode() {
	case http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		g.tokens.Invalidate(auth.Outbound)
	}
	return &SendError{
		Transport:  g.Name(),
		StatusCode: resp.StatusCode(),
		Err:        fmt.Errorf("graph sendMail rejected: %s", truncate(resp.String(), 512)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
