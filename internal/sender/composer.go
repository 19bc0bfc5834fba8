package sender

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/tracyhatemice/mailprobe/internal/probe"
)

// DefaultBodyTemplate is the probe body used when none is configured.
const DefaultBodyTemplate = `Email Delivery Test

Test ID: {{ .ProbeID }}
Sent Time: {{ dateInZone "2006-01-02T15:04:05Z07:00" .Now "UTC" }}

This is an automated email delivery test. Please do not reply.
`

// Composer renders probe messages for a fixed sender and recipient.
type Composer struct {
	from string
	to   string
	tmpl *template.Template
}

type bodyData struct {
	ProbeID string
	Subject string
	From    string
	To      string
	Now     time.Time
}

// NewComposer parses the body template. An empty template selects
// DefaultBodyTemplate. Sprig functions are available to templates.
func NewComposer(from, to, bodyTemplate string) (*Composer, error) {
	if bodyTemplate == "" {
		bodyTemplate = DefaultBodyTemplate
	}
	tmpl, err := template.New("body").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Composer{from: from, to: to, tmpl: tmpl}, nil
}

// Compose builds the message for p at time now.
func (c *Composer) Compose(p probe.Probe, now time.Time) (Message, error) {
	var buf bytes.Buffer
	err := c.tmpl.Execute(&buf, bodyData{
		ProbeID: p.ID,
		Subject: p.Subject,
		From:    c.from,
		To:      c.to,
		Now:     now,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{
		ProbeID: p.ID,
		From:    c.from,
		To:      c.to,
		Subject: p.Subject,
		Body:    buf.String(),
	}, nil
}
