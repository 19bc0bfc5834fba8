package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// smtpSessionTimeout bounds a session whose ctx carries no deadline.
const smtpSessionTimeout = 2 * time.Minute

// SMTPTransport submits probes to an SMTP relay. STARTTLS is used whenever
// the server offers it; useTLS selects implicit TLS instead.
type SMTPTransport struct {
	host      string
	port      int
	username  string
	password  string
	ssl       bool
	tlsConfig *tls.Config
}

// NewSMTPTransport creates a transport for host:port. Authentication is
// skipped when username is empty.
func NewSMTPTransport(host string, port int, username, password string, useTLS bool) *SMTPTransport {
	return &SMTPTransport{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		ssl:       useTLS,
		tlsConfig: &tls.Config{ServerName: host},
	}
}

func (s *SMTPTransport) Name() string { return "smtp" }

// Deliver returns once the relay has accepted the DATA phase. The whole
// session runs on one connection that carries the ctx deadline and is
// closed as soon as ctx ends.
func (s *SMTPTransport) Deliver(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Mailprobe-Id", msg.ProbeID)
	m.SetBody("text/plain", msg.Body)

	if err := s.session(ctx, m); err != nil {
		if ctx.Err() != nil {
			return &SendError{Transport: s.Name(), Err: ctx.Err()}
		}
		return &SendError{
			Transport: s.Name(),
			Err:       fmt.Errorf("smtp %s:%d: %w", s.host, s.port, err),
		}
	}
	return nil
}

func (s *SMTPTransport) session(ctx context.Context, m *gomail.Message) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(smtpSessionTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if s.ssl {
		conn = tls.Client(conn, s.tlsConfig)
	}
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if !s.ssl {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(s.tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.username != "" {
		if ok, mechs := c.Extension("AUTH"); ok {
			var a smtp.Auth
			if strings.Contains(mechs, "CRAM-MD5") {
				a = smtp.CRAMMD5Auth(s.username, s.password)
			} else {
				a = smtp.PlainAuth("", s.username, s.password, s.host)
			}
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}

	send := gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(w); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	if err := gomail.Send(send, m); err != nil {
		return err
	}
	// The message is accepted once DATA completes.
	_ = c.Quit()
	return nil
}
