package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	pop3client "github.com/knadh/go-pop3"
	"go.uber.org/zap"
)

// POP3Receiver scans the newest messages of a POP3/POP3S mailbox. POP3 has
// no server-side search, so only the last scanLimit messages are inspected.
type POP3Receiver struct {
	host      string
	port      int
	username  string
	password  string
	useTLS    bool
	scanLimit int
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(host string, port int, username, password string, useTLS bool, scanLimit int, timeout time.Duration, log *zap.SugaredLogger) *POP3Receiver {
	if scanLimit <= 0 {
		scanLimit = 20
	}
	return &POP3Receiver{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		useTLS:    useTLS,
		scanLimit: scanLimit,
		timeout:   timeout,
		log:       log,
	}
}

func (r *POP3Receiver) Name() string { return "pop3" }

// Search scans the mailbox on a connection that carries the request
// deadline and is closed as soon as ctx ends, so a silent server cannot
// hold the session open.
func (r *POP3Receiver) Search(ctx context.Context, tag string, window time.Duration) ([]Email, error) {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultPOP3Timeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dialer := &sessionDialer{ctx: ctx, timeout: timeout, deadline: deadline}
	defer dialer.release()

	emails, err := r.scan(dialer, tag, time.Now().Add(-window))
	if err != nil && ctx.Err() != nil {
		if ctx.Err() == context.Canceled {
			return nil, permanent("pop3 search", ctx.Err())
		}
		return nil, transient("pop3 search", ctx.Err())
	}
	return emails, err
}

const defaultPOP3Timeout = 30 * time.Second

// sessionDialer hands go-pop3 a connection bound to one Search call.
type sessionDialer struct {
	ctx      context.Context
	timeout  time.Duration
	deadline time.Time
	stops    []func() bool
}

func (d *sessionDialer) Dial(network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout, Deadline: d.deadline}
	conn, err := nd.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(d.deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.stops = append(d.stops, context.AfterFunc(d.ctx, func() { _ = conn.Close() }))
	return conn, nil
}

func (d *sessionDialer) release() {
	for _, stop := range d.stops {
		stop()
	}
}

func (r *POP3Receiver) scan(dialer *sessionDialer, tag string, since time.Time) ([]Email, error) {
	addr := net.JoinHostPort(r.host, fmt.Sprintf("%d", r.port))

	client := pop3client.New(pop3client.Opt{
		Host:        r.host,
		Port:        r.port,
		TLSEnabled:  r.useTLS,
		DialTimeout: r.timeout,
		Dialer:      dialer,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, transient("pop3 connect "+addr, err)
	}
	defer conn.Quit()

	if err := conn.Auth(r.username, r.password); err != nil {
		if connectionError(err) {
			return nil, transient("pop3 auth "+r.username, err)
		}
		return nil, permanent("pop3 auth "+r.username, err)
	}

	msgs, err := conn.List(0)
	if err != nil {
		return nil, transient("pop3 list", err)
	}
	if len(msgs) > r.scanLimit {
		msgs = msgs[len(msgs)-r.scanLimit:]
	}

	var emails []Email
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		rawBuf, err := conn.RetrRaw(msg.ID)
		if err != nil {
			if connectionError(err) {
				return nil, transient("pop3 retrieve", err)
			}
			r.log.Warnw("POP3 retrieve failed", "msgID", msg.ID, "error", err)
			continue
		}
		h, err := parseHeader(rawBuf.Bytes())
		if err != nil {
			continue
		}
		subject := subjectOf(h)
		if !strings.Contains(subject, tag) {
			continue
		}
		if date, err := h.Date(); err == nil && date.Before(since) {
			continue
		}

		id := h.Get("Message-ID")
		if id == "" {
			if msg.UID != "" {
				id = fmt.Sprintf("pop3-uid-%s-%s", msg.UID, r.username)
			} else {
				id = fmt.Sprintf("pop3-%d-%s", msg.ID, r.username)
			}
		}
		emails = append(emails, Email{ID: id, Subject: subject, HeaderTime: headerTime(h)})
	}
	return emails, nil
}

// connectionError tells a broken or expired session apart from an -ERR reply.
func connectionError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (r *POP3Receiver) Close() error {
	return nil
}
