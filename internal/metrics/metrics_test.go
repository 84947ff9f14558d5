package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.SessionBound()
	c.PollStarted()
	c.ErrorResponse("503 TIMEOUT")
	c.FetchOutcome(FetchEmpty)
	c.RateLimited("register")
	require.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.SessionBound()
	c.SessionBound()
	c.SessionUnbound()
	c.ErrorResponse("503 TIMEOUT")
	c.ErrorResponse("503 TIMEOUT")
	c.FetchOutcome(FetchDelivered)
	c.PortEvicted()

	values := gather(t, c)
	require.Equal(t, 1.0, values["devtunnel_sessions_bound"])
	require.Equal(t, 2.0, values[`devtunnel_error_responses_total{status="503 TIMEOUT"}`])
	require.Equal(t, 1.0, values[`devtunnel_fetch_outcomes_total{result="delivered"}`])
	require.Equal(t, 1.0, values["devtunnel_port_evictions_total"])
}

func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=\"" + lp.GetValue() + "\"}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ConnectionAccepted()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "devtunnel_inbound_connections_total 1")
}
