package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tracyhatemice/mailprobe/internal/cycle"
	"github.com/tracyhatemice/mailprobe/internal/probe"
	"github.com/tracyhatemice/mailprobe/internal/reporter"
)

type fixedState cycle.State

func (f fixedState) State() cycle.State { return cycle.State(f) }

func newTestServer(t *testing.T, rec *reporter.Recorder, state cycle.State) *Server {
	t.Helper()
	return NewServer("127.0.0.1:0", zap.NewNop(), rec, fixedState(state), false)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &reporter.Recorder{}, cycle.Idle)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatusBeforeFirstOutcome(t *testing.T) {
	s := newTestServer(t, &reporter.Recorder{}, cycle.Polling)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "polling", resp.State)
	assert.Zero(t, resp.Outcomes)
	assert.Nil(t, resp.LastOutcome)
}

func TestStatusWithOutcome(t *testing.T) {
	rec := &reporter.Recorder{}
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Report(context.Background(),
		probe.Failed("id-1", probe.FailurePoll, errors.New("403"), t0)))

	s := newTestServer(t, rec, cycle.Idle)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Outcomes)
	require.NotNil(t, resp.LastOutcome)
	assert.Equal(t, "id-1", resp.LastOutcome.ProbeID)
	assert.Equal(t, probe.FailurePoll, resp.LastOutcome.Reason())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &reporter.Recorder{}, cycle.Idle)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mailprobe_delivery_success")
}

func TestRunShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := NewServer(addr, zap.NewNop(), &reporter.Recorder{}, fixedState(cycle.Idle), false)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
