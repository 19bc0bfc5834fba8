package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const graphGmailConfig = `
log_level: debug
outbound:
  provider: graph
  sender: monitor@contoso.example
  graph:
    tenant_id: tenant-1
    client_id: client-1
    client_secret: ${GRAPH_SECRET}
inbound:
  provider: gmail
  recipient: probe@gmail.example
  gmail:
    client_id: gclient
    client_secret: gsecret
    token_file: ${TOKEN_DIR:/var/lib/mailprobe}/gmail_token.json
monitoring:
  interval_seconds: 120
  timeout_seconds: 240
zabbix:
  enabled: true
  server: zabbix.example
  host: mail-monitor
`

func TestParseAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("GRAPH_SECRET", "s3cret")

	cfg, err := Parse([]byte(graphGmailConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "s3cret", cfg.Outbound.Graph.ClientSecret)
	assert.Equal(t, "https://graph.microsoft.com/v1.0", cfg.Outbound.Graph.APIURL)
	assert.Equal(t, "/var/lib/mailprobe/gmail_token.json", cfg.Inbound.Gmail.TokenFile)

	assert.Equal(t, 120*time.Second, cfg.Monitoring.Interval())
	assert.Equal(t, 5*time.Second, cfg.Monitoring.PollInterval())
	assert.Equal(t, 240*time.Second, cfg.Monitoring.Timeout())
	assert.Equal(t, 60*time.Second, cfg.Monitoring.TokenMargin())
	assert.Equal(t, time.Hour, cfg.Monitoring.SearchWindow())
	assert.Equal(t, "Email Delivery Test", cfg.Monitoring.SubjectPrefix)

	assert.Equal(t, 10051, cfg.Zabbix.Port)
	assert.Equal(t, "email.delivery.time", cfg.Zabbix.TimeKey)
	assert.Equal(t, "email.delivery.success", cfg.Zabbix.SuccessKey)
}

func TestParseMissingRequiredEnv(t *testing.T) {
	_, err := Parse([]byte(graphGmailConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRAPH_SECRET")
}

func TestLoad(t *testing.T) {
	t.Setenv("GRAPH_SECRET", "x")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(graphGmailConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, OutboundGraph, cfg.Outbound.Provider)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestReadSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
inbound:
  provider: gmail
  gmail:
    client_id: gclient
    client_secret: gsecret
`), 0o600))

	_, err := Load(path)
	require.Error(t, err, "incomplete configuration must not pass Load")

	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "gclient", cfg.Inbound.Gmail.ClientID)
	assert.Equal(t, "https://gmail.googleapis.com/gmail/v1", cfg.Inbound.Gmail.APIURL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Outbound = Outbound{Provider: OutboundSMTP, Sender: "a@example.com", SMTP: SMTP{Host: "smtp", Port: 587}}
		cfg.Inbound.Provider = InboundIMAP
		cfg.Inbound.Recipient = "b@example.com"
		cfg.Inbound.IMAP = IMAP{Host: "imap", Port: 993, Username: "b", Password: "pw", Auth: "password"}
		cfg.Status.Listen = ":9090"
		return cfg
	}
	require.NoError(t, valid().validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown outbound", func(c *Config) { c.Outbound.Provider = "ses" }, "outbound.provider"},
		{"missing sender", func(c *Config) { c.Outbound.Sender = "" }, "outbound.sender is required"},
		{"graph without secret", func(c *Config) {
			c.Outbound.Provider = OutboundGraph
			c.Outbound.Graph = Graph{TenantID: "t", ClientID: "c"}
		}, "client_secret is required"},
		{"unknown inbound", func(c *Config) { c.Inbound.Provider = "exchange" }, "inbound.provider"},
		{"gmail without refresh material", func(c *Config) {
			c.Inbound.Provider = InboundGmail
			c.Inbound.Gmail = Gmail{ClientID: "c", ClientSecret: "s"}
		}, "authorize gmail"},
		{"imap bad auth", func(c *Config) { c.Inbound.IMAP.Auth = "ntlm" }, "inbound.imap.auth"},
		{"pop3 missing host", func(c *Config) {
			c.Inbound.Provider = InboundPOP3
			c.Inbound.POP3 = POP3{Port: 995, Username: "u", Password: "p", ScanLimit: 10}
		}, "inbound.pop3.host"},
		{"zero interval", func(c *Config) { c.Monitoring.IntervalSeconds = 0 }, "interval_seconds must be positive"},
		{"poll interval too long", func(c *Config) { c.Monitoring.PollIntervalSeconds = 300 }, "shorter than timeout_seconds"},
		{"request timeout too long", func(c *Config) { c.Monitoring.RequestTimeoutSeconds = 400 }, "request_timeout_seconds must be shorter"},
		{"zabbix without server", func(c *Config) {
			c.Zabbix.Enabled = true
			c.Zabbix.Host = "h"
		}, "zabbix.server is required"},
		{"kafka without topic", func(c *Config) {
			c.Kafka = Kafka{Enabled: true, Brokers: []string{"k:9092"}}
		}, "kafka.topic is required"},
		{"no sink", func(c *Config) { c.Status.Listen = "" }, "no outcome sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbound.sender is required")
	assert.Contains(t, err.Error(), "inbound.recipient is required")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MP_HOST", "zbx")

	out, err := ExpandEnv("server: ${MP_HOST}\nport: ${MP_PORT:10051}\nempty: ${MP_EMPTY:}")
	require.NoError(t, err)
	assert.Equal(t, "server: zbx\nport: 10051\nempty: ", out)

	_, err = ExpandEnv("a: ${MP_A}\nb: ${MP_B}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MP_A, MP_B")
}

func TestGetIMAPFolder(t *testing.T) {
	assert.Equal(t, "INBOX", (&IMAP{}).GetIMAPFolder())
	assert.Equal(t, "Probes", (&IMAP{Folder: "Probes"}).GetIMAPFolder())
}
