package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordDecision(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.RecordDecision("admit", time.Millisecond)
	c.RecordDecision("admit", time.Millisecond)
	c.RecordDecision("reject", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("admit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("reject")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.filterDuration))
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test", nil)

	c.RecordRejection("query", "value")
	c.RecordSubstitution("quotes", "name")
	c.RecordSubstitution("quotes", "name")
	c.RecordHostError()
	c.RecordRateLimited()
	c.RecordBanned()
	c.RecordReload("error")
	c.RecordAuditDropped()
	c.SetWebSocketClients(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejections.WithLabelValues("query", "value")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.substitutions.WithLabelValues("quotes", "name")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hostErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bannedRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.configReloads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.auditDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeWebsockets))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test", nil)
	c.RecordDecision("reject", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_requests_total{decision="reject"} 1`))
}
