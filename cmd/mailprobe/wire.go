package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/auth"
	"github.com/tracyhatemice/mailprobe/internal/config"
	"github.com/tracyhatemice/mailprobe/internal/cycle"
	"github.com/tracyhatemice/mailprobe/internal/dedup"
	"github.com/tracyhatemice/mailprobe/internal/poller"
	"github.com/tracyhatemice/mailprobe/internal/receiver"
	"github.com/tracyhatemice/mailprobe/internal/reporter"
	"github.com/tracyhatemice/mailprobe/internal/sender"
)

// app holds the components shared by the run and once commands.
type app struct {
	tokens   *auth.TokenCache
	receiver receiver.Receiver
	sinks    []reporter.Reporter
	reporter *reporter.Multi
	recorder *reporter.Recorder
	cycle    *cycle.Cycle
}

func buildApp(cfg *config.Config, log *zap.SugaredLogger, clk clock.Clock) (*app, error) {
	mon := &cfg.Monitoring

	tokens := auth.NewTokenCache(clk, mon.TokenMargin(), log.Named("auth"))
	if err := registerAcquirers(cfg, tokens, log); err != nil {
		return nil, err
	}

	transport, err := newTransport(cfg, tokens, mon)
	if err != nil {
		return nil, err
	}
	composer, err := sender.NewComposer(cfg.Outbound.Sender, cfg.Inbound.Recipient, mon.BodyTemplate)
	if err != nil {
		return nil, err
	}
	snd := sender.New(transport, composer, clk, mon.RequestTimeout(), log.Named("sender"))

	recv, err := newReceiver(cfg, tokens, log.Named("receiver"))
	if err != nil {
		return nil, err
	}
	pl := poller.New(recv, clk, poller.Options{
		Interval:         mon.PollInterval(),
		RequestTimeout:   mon.RequestTimeout(),
		SearchWindow:     mon.SearchWindow(),
		MaxErrors:        mon.MaxPollErrors,
		QueriesPerSecond: mon.QueriesPerSecond,
	}, log.Named("poller"))

	// Ids stay claimed for two deadlines.
	ledger, err := dedup.NewLedger(mon.ProbeLedger, 2*mon.Timeout())
	if err != nil {
		return nil, fmt.Errorf("open probe ledger: %w", err)
	}

	recorder := &reporter.Recorder{}
	sinks := []reporter.Reporter{recorder, reporter.Prometheus{}}
	if cfg.Zabbix.Enabled {
		z := cfg.Zabbix
		sinks = append(sinks, reporter.NewZabbix(z.Server, z.Port, z.Host, z.TimeKey, z.SuccessKey))
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, reporter.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, mon.ReportTimeout(), log.Named("kafka")))
	}
	multi := reporter.NewMulti(mon.ReportTimeout(), log.Named("reporter"), sinks...)

	cyc := cycle.New(snd, pl, multi, ledger, clk, cycle.Options{
		SubjectPrefix: mon.SubjectPrefix,
		Timeout:       mon.Timeout(),
		ReportTimeout: mon.ReportTimeout(),
		ShutdownGrace: mon.ShutdownGrace(),
	}, log.Named("cycle"))

	log.Infow("mailprobe configured",
		"outbound", transport.Name(),
		"inbound", recv.Name(),
		"recipient", cfg.Inbound.Recipient,
		"sinks", sinkNames(sinks),
		"interval", mon.Interval(),
		"timeout", mon.Timeout())

	return &app{
		tokens:   tokens,
		receiver: recv,
		sinks:    sinks,
		reporter: multi,
		recorder: recorder,
		cycle:    cyc,
	}, nil
}

// warm acquires the configured tokens before the first cycle, giving up on
// an unresponsive token endpoint after timeout.
func (a *app) warm(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.tokens.Warm(wctx)
}

func (a *app) close() error {
	return errors.Join(a.receiver.Close(), a.reporter.Close())
}

func registerAcquirers(cfg *config.Config, tokens *auth.TokenCache, log *zap.SugaredLogger) error {
	if cfg.Outbound.Provider == config.OutboundGraph {
		g := cfg.Outbound.Graph
		tokens.Register(auth.Outbound, auth.NewClientCredentials(g.TenantID, g.ClientID, g.ClientSecret, g.TokenURL, auth.GraphScope))
	}

	in := cfg.Inbound
	if in.Provider == config.InboundGmail ||
		(in.Provider == config.InboundIMAP && in.IMAP.Auth == receiver.IMAPAuthOAuthBearer) {
		store, err := auth.NewRefreshStore(in.Gmail.RefreshToken, in.Gmail.TokenFile, in.Gmail.KeyringService, in.Recipient)
		if err != nil {
			return fmt.Errorf("inbound refresh token: %w", err)
		}
		tokens.Register(auth.Inbound, auth.NewRefreshToken(in.Gmail.ClientID, in.Gmail.ClientSecret, in.Gmail.TokenURL, store, log.Named("auth")))
	}
	return nil
}

func newTransport(cfg *config.Config, tokens *auth.TokenCache, mon *config.Monitoring) (sender.Transport, error) {
	out := cfg.Outbound
	switch out.Provider {
	case config.OutboundGraph:
		return sender.NewGraphTransport(out.Graph.APIURL, out.Sender, tokens, mon.RequestTimeout()), nil
	case config.OutboundSMTP:
		return sender.NewSMTPTransport(out.SMTP.Host, out.SMTP.Port, out.SMTP.Username, out.SMTP.Password, out.SMTP.UseTLS), nil
	default:
		return nil, fmt.Errorf("unsupported outbound provider: %s", out.Provider)
	}
}

func newReceiver(cfg *config.Config, tokens *auth.TokenCache, log *zap.SugaredLogger) (receiver.Receiver, error) {
	in := cfg.Inbound
	timeout := cfg.Monitoring.RequestTimeout()
	switch in.Provider {
	case config.InboundGmail:
		return receiver.NewGmail(in.Gmail.APIURL, tokens, timeout, log), nil
	case config.InboundIMAP:
		return receiver.NewIMAP(in.IMAP.Host, in.IMAP.Port, in.IMAP.Username, in.IMAP.Password,
			in.IMAP.UseTLS, in.IMAP.GetIMAPFolder(), in.IMAP.Auth, tokens, log), nil
	case config.InboundPOP3:
		return receiver.NewPOP3(in.POP3.Host, in.POP3.Port, in.POP3.Username, in.POP3.Password,
			in.POP3.UseTLS, in.POP3.ScanLimit, timeout, log), nil
	default:
		return nil, fmt.Errorf("unsupported inbound provider: %s", in.Provider)
	}
}

func sinkNames(sinks []reporter.Reporter) []string {
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	return names
}
