package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("indicatorpipe")
	c.ObserveTurn("compare", "ok", 20*time.Millisecond)
	c.ObserveTurn("compare", "ok", 10*time.Millisecond)
	c.CacheHit()
	c.CacheMiss()
	c.CacheMiss()
	c.BackendQuery("error")
	c.FormulaResolution("preference")
	c.SetSessions(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.Turns.WithLabelValues("compare", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.CacheHits))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.CacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.BackendQueries.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.FormulaResolutions.WithLabelValues("preference")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.Sessions))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveTurn("x", "y", time.Second)
	c.CacheHit()
	c.CacheMiss()
	c.BackendQuery("ok")
	c.FormulaResolution("exact")
	c.SetSessions(1)
	c.HTTPRequest(http.MethodGet, "/", http.StatusOK)
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("indicatorpipe")
	c.CacheHit()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "indicatorpipe_result_cache_hits_total 1"))
}
