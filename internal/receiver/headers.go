package receiver

import (
	"bufio"
	"bytes"
	stdmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// parseHeader reads the header block of a raw RFC 5322 message. Anything
// after the blank line is ignored.
func parseHeader(raw []byte) (mail.Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return mail.Header{}, err
	}
	return mail.Header{Header: message.Header{Header: h}}, nil
}

// headerTime returns the delivery time recorded by the last hop, which is
// the topmost Received header. It falls back to Date.
func headerTime(h mail.Header) time.Time {
	fields := h.FieldsByKey("Received")
	if fields.Next() {
		if t, ok := receivedTime(fields.Value()); ok {
			return t
		}
	}
	if t, err := h.Date(); err == nil {
		return t
	}
	return time.Time{}
}

// receivedTime parses the date that follows the final ';' of a Received
// header value.
func receivedTime(v string) (time.Time, bool) {
	i := strings.LastIndex(v, ";")
	if i < 0 {
		return time.Time{}, false
	}
	date := strings.Join(strings.Fields(v[i+1:]), " ")
	if j := strings.Index(date, "("); j > 0 {
		date = strings.TrimSpace(date[:j])
	}
	t, err := stdmail.ParseDate(date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// subjectOf returns the decoded subject, or the raw value if decoding fails.
func subjectOf(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}
