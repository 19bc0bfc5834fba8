package receiver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/auth"
)

const gmailMaxResults = 10

// Gmail searches a mailbox through the Gmail REST API using the inbound
// token. Only message metadata is fetched.
type Gmail struct {
	client *resty.Client
	tokens TokenSource
	log    *zap.SugaredLogger
}

type gmailList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type gmailMessage struct {
	ID      string `json:"id"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// NewGmail creates a Gmail backend against apiURL (normally
// https://gmail.googleapis.com/gmail/v1).
func NewGmail(apiURL string, tokens TokenSource, timeout time.Duration, log *zap.SugaredLogger) *Gmail {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(apiURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Gmail{client: client, tokens: tokens, log: log}
}

func (g *Gmail) Name() string { return "gmail" }

func (g *Gmail) Search(ctx context.Context, tag string, window time.Duration) ([]Email, error) {
	token, err := g.tokens.Token(ctx, auth.Inbound)
	if err != nil {
		return nil, err
	}

	var list gmailList
	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("q", gmailQuery(tag, window)).
		SetQueryParam("maxResults", fmt.Sprint(gmailMaxResults)).
		SetResult(&list).
		Get("/users/me/messages")
	if err := g.check("gmail messages.list", resp, err); err != nil {
		return nil, err
	}

	var emails []Email
	for _, m := range list.Messages {
		var msg gmailMessage
		params := url.Values{
			"format":          {"metadata"},
			"metadataHeaders": {"Subject", "Received", "Date"},
		}
		resp, err := g.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetQueryParamsFromValues(params).
			SetPathParam("id", m.ID).
			SetResult(&msg).
			Get("/users/me/messages/{id}")
		if err := g.check("gmail messages.get", resp, err); err != nil {
			return nil, err
		}

		var h mail.Header
		for _, hdr := range msg.Payload.Headers {
			h.Add(hdr.Name, hdr.Value)
		}
		subject := subjectOf(h)
		if !strings.Contains(subject, tag) {
			continue
		}
		emails = append(emails, Email{
			ID:         m.ID,
			Subject:    subject,
			HeaderTime: headerTime(h),
		})
	}
	return emails, nil
}

func (g *Gmail) Close() error {
	return nil
}

// check maps a REST round trip to nil or a *QueryError. 429 and 5xx are
// transient, other non-2xx statuses are not. 401 also drops the cached
// inbound token so the next cycle reacquires it.
func (g *Gmail) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return permanent(op, err)
		}
		return transient(op, err)
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	qe := &QueryError{
		Op:         op,
		StatusCode: code,
		Err:        fmt.Errorf("unexpected response: %s", truncate(resp.String(), 256)),
	}
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
	case code == http.StatusUnauthorized:
		g.tokens.Invalidate(auth.Inbound)
		qe.Permanent = true
	default:
		qe.Permanent = true
	}
	return qe
}

// gmailQuery restricts the search to the tagged subject within window,
// rounded up to whole hours.
func gmailQuery(tag string, window time.Duration) string {
	hours := int(math.Ceil(window.Hours()))
	if hours < 1 {
		hours = 1
	}
	return fmt.Sprintf(`subject:"%s" newer_than:%dh`, tag, hours)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
