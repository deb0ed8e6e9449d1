package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauge(t *testing.T) {
	p := New()
	p.TickCompleted("done")
	p.TickCompleted("done")
	p.TickCompleted("busy")
	p.LegFailed("open", "long")
	p.PartialExposure()
	p.OpenRuns(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.ticks.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ticks.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.legFailures.WithLabelValues("open", "long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.partialExposure))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.openRuns))
}

func TestServerExposesMetrics(t *testing.T) {
	p := New()
	p.DecisionMade("hold-cash")

	srv := NewServer("127.0.0.1:0", p.Registry())
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fundarb_decisions_total{action="hold-cash"} 1`)
}
