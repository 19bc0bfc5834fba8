package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(InboxQueries.WithLabelValues("gmail", "empty"))
	InboxQueries.WithLabelValues("gmail", "empty").Inc()
	InboxQueries.WithLabelValues("gmail", "empty").Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(InboxQueries.WithLabelValues("gmail", "empty")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	CyclesSkipped.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "mailprobe_cycles_skipped_total"))
	assert.True(t, strings.Contains(body, "mailprobe_delivery_success"))
}
