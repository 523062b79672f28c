package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queue-server/internal/store"
	"queue-server/models"
)

func TestParseQueueKey(t *testing.T) {
	ride, class, ok := parseQueueKey("queue:ride:7:GENERAL")
	assert.True(t, ok)
	assert.Equal(t, int64(7), ride)
	assert.Equal(t, models.ClassGeneral, class)

	_, _, ok = parseQueueKey("queue:ride:7")
	assert.False(t, ok)
	_, _, ok = parseQueueKey("ride:meta:7")
	assert.False(t, ok)
}

func TestMonitor_CollectQueueMetrics(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, st.ZAdd(ctx, store.QueueKey(901, models.ClassPremium), store.UserMember(i), float64(i)))
	}

	NewMonitor(st, logger).collectQueueMetrics(ctx)

	assert.Equal(t, float64(3), testutil.ToFloat64(queueLength.WithLabelValues("901", "PREMIUM")))
}

func TestMonitor_Counters(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMonitor(store.NewMemoryStore(), logger)

	before := testutil.ToFloat64(admittedUsers.WithLabelValues("902", "GENERAL"))
	m.TrackAdmitted(902, models.ClassGeneral, 3)
	assert.Equal(t, before+3, testutil.ToFloat64(admittedUsers.WithLabelValues("902", "GENERAL")))

	m.TrackReadiness(902, models.ClassGeneral, models.StatusReady)
	assert.GreaterOrEqual(t, testutil.ToFloat64(readinessEvents.WithLabelValues("902", "GENERAL", "READY")), float64(1))

	m.SetRegisteredDispatchers(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(registeredDispatchers))

	m.ObserveTick(902, 20*time.Millisecond)
	m.TrackPublishFailure(902)
	m.TrackQueueOperation("enqueue", "success")
}

func TestMetricsServer_ServesMetrics(t *testing.T) {
	srv := NewMetricsServer("9090")
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "registered_dispatchers")
}
