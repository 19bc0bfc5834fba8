package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailprobe/internal/logging"
	"github.com/tracyhatemice/mailprobe/internal/metrics"
	"github.com/tracyhatemice/mailprobe/internal/probe"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func delivered(secs float64) probe.Outcome {
	return probe.Delivered("id-ok", t0, t0.Add(time.Duration(secs*float64(time.Second))), t0.Add(time.Minute))
}

func timedOut() probe.Outcome {
	return probe.Failed("id-late", probe.FailureTimeout, errors.New("not observed"), t0.Add(5*time.Minute))
}

// fakeTrapper answers one sender-data request with info and returns the
// decoded request.
func fakeTrapper(t *testing.T, response zabbixResponse) (host string, port int, got <-chan zabbixRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan zabbixRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		body, err := readFrame(conn)
		if err != nil {
			return
		}
		var req zabbixRequest
		if json.Unmarshal(body, &req) == nil {
			out <- req
		}
		payload, _ := json.Marshal(response)
		_, _ = conn.Write(frame(payload))
	}()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port, out
}

func TestZabbixReportDelivered(t *testing.T) {
	host, port, got := fakeTrapper(t, zabbixResponse{Response: "success", Info: "processed: 2; failed: 0; total: 2; seconds spent: 0.000041"})
	z := NewZabbix(host, port, "mail-monitor", "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, z.Report(ctx, delivered(12.3456)))

	req := <-got
	assert.Equal(t, "sender data", req.Request)
	require.Len(t, req.Data, 2)
	assert.Equal(t, zabbixItem{Host: "mail-monitor", Key: DefaultTimeKey, Value: "12.346", Clock: t0.Add(time.Minute).Unix()}, req.Data[0])
	assert.Equal(t, DefaultSuccessKey, req.Data[1].Key)
	assert.Equal(t, "1", req.Data[1].Value)
}

func TestZabbixReportFailureSendsOnlySuccessItem(t *testing.T) {
	host, port, got := fakeTrapper(t, zabbixResponse{Response: "success", Info: "processed: 1; failed: 0; total: 1"})
	z := NewZabbix(host, port, "mail-monitor", "custom.time", "custom.success")

	require.NoError(t, z.Report(context.Background(), timedOut()))

	req := <-got
	require.Len(t, req.Data, 1, "no delivery time series on failure")
	assert.Equal(t, "custom.success", req.Data[0].Key)
	assert.Equal(t, "0", req.Data[0].Value)
}

func TestZabbixReportPartialFailure(t *testing.T) {
	host, port, _ := fakeTrapper(t, zabbixResponse{Response: "success", Info: "processed: 1; failed: 1; total: 2"})
	z := NewZabbix(host, port, "mail-monitor", "", "")

	err := z.Report(context.Background(), delivered(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to process 1 item(s)")
}

func TestZabbixReportRejected(t *testing.T) {
	host, port, _ := fakeTrapper(t, zabbixResponse{Response: "failed", Info: "bad request"})
	err := NewZabbix(host, port, "h", "", "").Report(context.Background(), delivered(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zabbix rejected data")
}

func TestZabbixUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	err = NewZabbix("127.0.0.1", port, "h", "", "").Report(context.Background(), delivered(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zabbix connect")
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"request":"sender data"}`)
	f := frame(payload)
	assert.Equal(t, []byte("ZBXD\x01"), f[:5])
	assert.Equal(t, byte(len(payload)), f[5])

	body, err := readFrame(bytes.NewReader(f))
	require.NoError(t, err)
	assert.Equal(t, payload, body)

	_, err = readFrame(bytes.NewReader([]byte("HTTP/1.1 400 Bad Request\r\n")))
	require.Error(t, err)
}

func TestFailedCount(t *testing.T) {
	assert.Equal(t, 0, failedCount("processed: 2; failed: 0; total: 2"))
	assert.Equal(t, 2, failedCount("processed: 0; failed: 2; total: 2"))
	assert.Equal(t, 0, failedCount(""))
}

func TestPrometheusReport(t *testing.T) {
	p := Prometheus{}
	before := testutil.ToFloat64(metrics.ProbeOutcomes.WithLabelValues("delivered"))

	require.NoError(t, p.Report(context.Background(), delivered(7.5)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeliverySuccess))
	assert.Equal(t, 7.5, testutil.ToFloat64(metrics.DeliverySeconds))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ProbeOutcomes.WithLabelValues("delivered")))
	assert.Equal(t, float64(t0.Add(time.Minute).Unix()), testutil.ToFloat64(metrics.LastOutcomeTimestamp))

	timeouts := testutil.ToFloat64(metrics.ProbeOutcomes.WithLabelValues("timeout"))
	require.NoError(t, p.Report(context.Background(), timedOut()))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DeliverySuccess))
	assert.Equal(t, 7.5, testutil.ToFloat64(metrics.DeliverySeconds), "delivery time keeps the last successful value")
	assert.Equal(t, timeouts+1, testutil.ToFloat64(metrics.ProbeOutcomes.WithLabelValues("timeout")))
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaReport(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, log: logging.NewTestLogger()}

	require.NoError(t, k.Report(context.Background(), timedOut()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("id-late"), msg.Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "timeout", decoded["failure_reason"])
	assert.Equal(t, false, decoded["success"])
	assert.NotContains(t, decoded, "delivery_seconds")

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "timeout", headers["result"])
	assert.Equal(t, "false", headers["success"])

	w.err = errors.New("leader not available")
	err := k.Report(context.Background(), delivered(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write to kafka")

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_, n := r.Last()
	assert.Zero(t, n)

	require.NoError(t, r.Report(context.Background(), delivered(1)))
	require.NoError(t, r.Report(context.Background(), timedOut()))
	last, n := r.Last()
	assert.Equal(t, 2, n)
	assert.Equal(t, "id-late", last.ProbeID)
}

type stubSink struct {
	name  string
	err   error
	block bool
	got   chan probe.Outcome
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Report(ctx context.Context, o probe.Outcome) error {
	if s.got != nil {
		s.got <- o
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func TestMultiReport(t *testing.T) {
	ok := &stubSink{name: "ok", got: make(chan probe.Outcome, 1)}
	bad := &stubSink{name: "bad", err: errors.New("boom")}
	slow := &stubSink{name: "slow", block: true}

	failuresBefore := testutil.ToFloat64(metrics.ReportFailures.WithLabelValues("slow"))
	m := NewMulti(50*time.Millisecond, logging.NewTestLogger(), ok, bad, slow)

	start := time.Now()
	err := m.Report(context.Background(), delivered(2))
	assert.Less(t, time.Since(start), 2*time.Second, "slow sink bounded by the per-sink timeout")

	var re *ReportError
	require.ErrorAs(t, err, &re)
	assert.Len(t, re.Errs, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, "id-ok", (<-ok.got).ProbeID)
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.ReportFailures.WithLabelValues("slow")))
}

func TestMultiAllSucceed(t *testing.T) {
	m := NewMulti(time.Second, logging.NewTestLogger(), &Recorder{}, Prometheus{})
	require.NoError(t, m.Report(context.Background(), delivered(1)))
	require.NoError(t, m.Close())
}
