package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveImageCountsByResult(t *testing.T) {
	before := testutil.ToFloat64(imagesTotal.WithLabelValues("cover", "stored"))
	ObserveImage("cover", "stored", 2048)
	require.InDelta(t, before+1, testutil.ToFloat64(imagesTotal.WithLabelValues("cover", "stored")), 0.001)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(4, 2, 10, 1)
	require.InDelta(t, 4.0, testutil.ToFloat64(queueJobs.WithLabelValues("waiting")), 0.001)
	require.InDelta(t, 1.0, testutil.ToFloat64(queueJobs.WithLabelValues("failed")), 0.001)
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveJob("recent", "completed", time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "seriesfetch_jobs_total")
}
