package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

// Provider names accepted in the outbound and inbound sections.
const (
	OutboundGraph = "graph"
	OutboundSMTP  = "smtp"

	InboundGmail = "gmail"
	InboundIMAP  = "imap"
	InboundPOP3  = "pop3"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Outbound   Outbound   `yaml:"outbound"`
	Inbound    Inbound    `yaml:"inbound"`
	Monitoring Monitoring `yaml:"monitoring"`
	Zabbix     Zabbix     `yaml:"zabbix"`
	Kafka      Kafka      `yaml:"kafka"`
	Status     Status     `yaml:"status"`
}

// Outbound describes the provider the probe is sent through.
type Outbound struct {
	Provider string `yaml:"provider"` // "graph" or "smtp"
	Sender   string `yaml:"sender"`
	Graph    Graph  `yaml:"graph"`
	SMTP     SMTP   `yaml:"smtp"`
}

// Graph holds Microsoft Graph application credentials.
type Graph struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	APIURL       string `yaml:"api_url"`
}

// SMTP holds the outgoing mail server configuration.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Inbound describes the mailbox the probe is expected to arrive in.
type Inbound struct {
	Provider  string `yaml:"provider"` // "gmail", "imap" or "pop3"
	Recipient string `yaml:"recipient"`
	Gmail     Gmail  `yaml:"gmail"`
	IMAP      IMAP   `yaml:"imap"`
	POP3      POP3   `yaml:"pop3"`
}

// Gmail holds the installed-app OAuth client and its refresh material.
// The refresh token is read from RefreshToken, TokenFile or the OS keyring,
// in that order.
type Gmail struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RefreshToken   string `yaml:"refresh_token"`
	TokenFile      string `yaml:"token_file"`
	KeyringService string `yaml:"keyring_service"`
	TokenURL       string `yaml:"token_url"`
	APIURL         string `yaml:"api_url"`
}

// IMAP holds the inbound IMAP mailbox configuration.
type IMAP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	Folder   string `yaml:"folder"`
	Auth     string `yaml:"auth"` // "password" or "oauthbearer"
}

// POP3 holds the inbound POP3 mailbox configuration.
type POP3 struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	UseTLS    bool   `yaml:"use_tls"`
	ScanLimit int    `yaml:"scan_limit"`
}

// Monitoring holds the cadence and timing of the probe cycles.
type Monitoring struct {
	SubjectPrefix         string  `yaml:"subject_prefix"`
	BodyTemplate          string  `yaml:"body_template"`
	IntervalSeconds       int     `yaml:"interval_seconds"`
	PollIntervalSeconds   int     `yaml:"poll_interval_seconds"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	TokenMarginSeconds    int     `yaml:"token_margin_seconds"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	ReportTimeoutSeconds  int     `yaml:"report_timeout_seconds"`
	ShutdownGraceSeconds  int     `yaml:"shutdown_grace_seconds"`
	MaxPollErrors         int     `yaml:"max_poll_errors"`
	QueriesPerSecond      float64 `yaml:"queries_per_second"`
	SearchWindowMinutes   int     `yaml:"search_window_minutes"`
	ProbeLedger           string  `yaml:"probe_ledger"`
}

// Zabbix configures the trapper the outcomes are sent to.
type Zabbix struct {
	Enabled    bool   `yaml:"enabled"`
	Server     string `yaml:"server"`
	Port       int    `yaml:"port"`
	Host       string `yaml:"host"`
	TimeKey    string `yaml:"time_key"`
	SuccessKey string `yaml:"success_key"`
}

// Kafka configures the optional outcome event stream.
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Status configures the optional HTTP status and metrics endpoint.
type Status struct {
	Listen string `yaml:"listen"`
}

// Interval returns the time between cycle starts.
func (m *Monitoring) Interval() time.Duration {
	return seconds(m.IntervalSeconds)
}

// PollInterval returns the spacing between inbox queries.
func (m *Monitoring) PollInterval() time.Duration {
	return seconds(m.PollIntervalSeconds)
}

// Timeout returns the per-probe delivery deadline.
func (m *Monitoring) Timeout() time.Duration {
	return seconds(m.TimeoutSeconds)
}

// TokenMargin returns the minimum remaining token lifetime before refresh.
func (m *Monitoring) TokenMargin() time.Duration {
	return seconds(m.TokenMarginSeconds)
}

// RequestTimeout returns the timeout applied to every provider call.
func (m *Monitoring) RequestTimeout() time.Duration {
	return seconds(m.RequestTimeoutSeconds)
}

// ReportTimeout returns the bound on delivering one outcome to the sinks.
func (m *Monitoring) ReportTimeout() time.Duration {
	return seconds(m.ReportTimeoutSeconds)
}

// ShutdownGrace returns how long an interrupted cycle may take to report.
func (m *Monitoring) ShutdownGrace() time.Duration {
	return seconds(m.ShutdownGraceSeconds)
}

// SearchWindow returns how far back inbox searches look.
func (m *Monitoring) SearchWindow() time.Duration {
	return time.Duration(m.SearchWindowMinutes) * time.Minute
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (i *IMAP) GetIMAPFolder() string {
	if i.Folder == "" {
		return "INBOX"
	}
	return i.Folder
}

// Load reads a YAML configuration file, substitutes environment references
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Read loads a configuration file with defaults and environment references
// applied but without validation. Bootstrap commands use it before the
// configuration is complete.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return decode(data)
}

// Parse builds a validated Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Outbound: Outbound{
			Graph: Graph{APIURL: "https://graph.microsoft.com/v1.0"},
		},
		Inbound: Inbound{
			Gmail: Gmail{APIURL: "https://gmail.googleapis.com/gmail/v1"},
			IMAP:  IMAP{Auth: "password"},
			POP3:  POP3{ScanLimit: 20},
		},
		Monitoring: Monitoring{
			SubjectPrefix:         "Email Delivery Test",
			IntervalSeconds:       60,
			PollIntervalSeconds:   5,
			TimeoutSeconds:        300,
			TokenMarginSeconds:    60,
			RequestTimeoutSeconds: 30,
			ReportTimeoutSeconds:  10,
			ShutdownGraceSeconds:  15,
			MaxPollErrors:         5,
			QueriesPerSecond:      1,
			SearchWindowMinutes:   60,
		},
		Zabbix: Zabbix{
			Port:       10051,
			TimeKey:    "email.delivery.time",
			SuccessKey: "email.delivery.success",
		},
	}
}

func (c *Config) validate() error {
	var errs []error
	errs = append(errs, c.Outbound.validate()...)
	errs = append(errs, c.Inbound.validate()...)
	errs = append(errs, c.Monitoring.validate()...)

	if c.Zabbix.Enabled {
		if c.Zabbix.Server == "" {
			errs = append(errs, errors.New("zabbix.server is required"))
		}
		if c.Zabbix.Host == "" {
			errs = append(errs, errors.New("zabbix.host is required"))
		}
		if c.Zabbix.Port <= 0 {
			errs = append(errs, errors.New("zabbix.port must be positive"))
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required"))
		}
	}
	if !c.Zabbix.Enabled && !c.Kafka.Enabled && c.Status.Listen == "" {
		errs = append(errs, errors.New("no outcome sink configured: enable zabbix or kafka, or set status.listen"))
	}
	return errors.Join(errs...)
}

func (o *Outbound) validate() []error {
	var errs []error
	if o.Sender == "" {
		errs = append(errs, errors.New("outbound.sender is required"))
	}
	switch o.Provider {
	case OutboundGraph:
		if o.Graph.TenantID == "" && o.Graph.TokenURL == "" {
			errs = append(errs, errors.New("outbound.graph.tenant_id is required"))
		}
		if o.Graph.ClientID == "" {
			errs = append(errs, errors.New("outbound.graph.client_id is required"))
		}
		if o.Graph.ClientSecret == "" {
			errs = append(errs, errors.New("outbound.graph.client_secret is required"))
		}
	case OutboundSMTP:
		if o.SMTP.Host == "" {
			errs = append(errs, errors.New("outbound.smtp.host is required"))
		}
		if o.SMTP.Port == 0 {
			errs = append(errs, errors.New("outbound.smtp.port is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("outbound.provider must be %s or %s, got %q", OutboundGraph, OutboundSMTP, o.Provider))
	}
	return errs
}

func (i *Inbound) validate() []error {
	var errs []error
	if i.Recipient == "" {
		errs = append(errs, errors.New("inbound.recipient is required"))
	}
	switch i.Provider {
	case InboundGmail:
		if i.Gmail.ClientID == "" {
			errs = append(errs, errors.New("inbound.gmail.client_id is required"))
		}
		if i.Gmail.ClientSecret == "" {
			errs = append(errs, errors.New("inbound.gmail.client_secret is required"))
		}
		if i.Gmail.RefreshToken == "" && i.Gmail.TokenFile == "" && i.Gmail.KeyringService == "" {
			errs = append(errs, errors.New("inbound.gmail needs refresh_token, token_file or keyring_service; run 'mailprobe authorize gmail' first"))
		}
	case InboundIMAP:
		if i.IMAP.Host == "" {
			errs = append(errs, errors.New("inbound.imap.host is required"))
		}
		if i.IMAP.Port == 0 {
			errs = append(errs, errors.New("inbound.imap.port is required"))
		}
		if i.IMAP.Username == "" {
			errs = append(errs, errors.New("inbound.imap.username is required"))
		}
		switch i.IMAP.Auth {
		case "password":
			if i.IMAP.Password == "" {
				errs = append(errs, errors.New("inbound.imap.password is required"))
			}
		case "oauthbearer":
			if i.Gmail.ClientID == "" || i.Gmail.ClientSecret == "" {
				errs = append(errs, errors.New("inbound.imap.auth oauthbearer needs the inbound.gmail OAuth client"))
			}
		default:
			errs = append(errs, fmt.Errorf("inbound.imap.auth must be password or oauthbearer, got %q", i.IMAP.Auth))
		}
	case InboundPOP3:
		if i.POP3.Host == "" {
			errs = append(errs, errors.New("inbound.pop3.host is required"))
		}
		if i.POP3.Port == 0 {
			errs = append(errs, errors.New("inbound.pop3.port is required"))
		}
		if i.POP3.Username == "" || i.POP3.Password == "" {
			errs = append(errs, errors.New("inbound.pop3.username and password are required"))
		}
		if i.POP3.ScanLimit <= 0 {
			errs = append(errs, errors.New("inbound.pop3.scan_limit must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("inbound.provider must be %s, %s or %s, got %q", InboundGmail, InboundIMAP, InboundPOP3, i.Provider))
	}
	return errs
}

func (m *Monitoring) validate() []error {
	var errs []error
	for _, f := range []struct {
		name  string
		value int
	}{
		{"interval_seconds", m.IntervalSeconds},
		{"poll_interval_seconds", m.PollIntervalSeconds},
		{"timeout_seconds", m.TimeoutSeconds},
		{"request_timeout_seconds", m.RequestTimeoutSeconds},
		{"report_timeout_seconds", m.ReportTimeoutSeconds},
		{"search_window_minutes", m.SearchWindowMinutes},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("monitoring.%s must be positive", f.name))
		}
	}
	if m.TokenMarginSeconds < 0 {
		errs = append(errs, errors.New("monitoring.token_margin_seconds must not be negative"))
	}
	if m.ShutdownGraceSeconds < 0 {
		errs = append(errs, errors.New("monitoring.shutdown_grace_seconds must not be negative"))
	}
	if m.MaxPollErrors < 0 {
		errs = append(errs, errors.New("monitoring.max_poll_errors must not be negative"))
	}
	if m.QueriesPerSecond < 0 {
		errs = append(errs, errors.New("monitoring.queries_per_second must not be negative"))
	}
	if m.PollIntervalSeconds >= m.TimeoutSeconds && m.TimeoutSeconds > 0 {
		errs = append(errs, errors.New("monitoring.poll_interval_seconds must be shorter than timeout_seconds"))
	}
	if m.RequestTimeoutSeconds >= m.TimeoutSeconds && m.TimeoutSeconds > 0 {
		errs = append(errs, errors.New("monitoring.request_timeout_seconds must be shorter than timeout_seconds"))
	}
	return errs
}
