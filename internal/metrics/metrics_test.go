// ABOUTME: Tests for the Prometheus metrics wrapper
// ABOUTME: Checks recorded values, the exposition handler, and nil safety

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Connections(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionRefused()
	m.ConnectionClosed(3*time.Second, "client_closed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("refused")))
}

func TestMetrics_MessagesAndErrors(t *testing.T) {
	m := New()

	m.MessageSent("token")
	m.MessageSent("token")
	m.MessageSent("final_output")
	m.ErrorSent("tool_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("final_output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("tool_error")))
}

func TestMetrics_QueryFinished(t *testing.T) {
	m := New()

	m.QueryFinished("completed", 2*time.Second)
	m.QueryFinished("failed", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.QueryDuration))
}

func TestMetrics_FuncCollectors(t *testing.T) {
	m := New()
	searches := 0.0
	m.CounterFunc("search_requests_total", "Searches issued", func() float64 { return searches })
	searches = 7

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rig_search_requests_total 7")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionRefused()
		m.ConnectionClosed(time.Second, "x")
		m.MessageSent("token")
		m.ErrorSent("x")
		m.QueryFinished("completed", time.Second)
		m.RateLimitWaited(time.Second)
		m.CounterFunc("x", "x", func() float64 { return 0 })
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
