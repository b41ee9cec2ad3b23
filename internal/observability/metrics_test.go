package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{0, "network_error"},
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.status), "status %d", tt.status)
	}
}

func TestMetricsHandlerExposesRecordedSeries(t *testing.T) {
	RecordQueueEnqueue("runner-pool", true)
	RecordQueueRun("runner-pool", 10*time.Millisecond, true)
	RecordEngineRequest("list_actors", 5*time.Millisecond, 200)
	RecordSchedulingError("no_capacity")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `actorkit_queue_enqueue_total{lane="runner-pool",outcome="coalesced"}`))
	assert.Contains(t, body, `actorkit_engine_requests_total{operation="list_actors",status="2xx"}`)
	assert.Contains(t, body, `actorkit_scheduling_errors_total{kind="no_capacity"}`)
}
