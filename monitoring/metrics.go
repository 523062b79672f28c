package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"queue-server/internal/store"
	"queue-server/models"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ride_queue_length",
			Help: "Current number of users waiting per ride and class",
		},
		[]string{"ride_id", "class"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	readinessEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readiness_events_total",
			Help: "Readiness notices emitted by dispatcher ticks",
		},
		[]string{"ride_id", "class", "status"},
	)

	admittedUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admitted_users_total",
			Help: "Users popped from the queue by dispatcher ticks",
		},
		[]string{"ride_id", "class"},
	)

	publishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Readiness notices that could not be published",
		},
		[]string{"ride_id"},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Duration of one dispatcher tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"ride_id"},
	)

	registeredDispatchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registered_dispatchers",
			Help: "Rides with a scheduled dispatcher",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// Monitor records queue metrics. Tick-path gauges are refreshed by the
// dispatcher; Start adds a periodic sweep so idle rides still report.
type Monitor struct {
	store  store.Store
	logger logrus.FieldLogger
}

func NewMonitor(st store.Store, logger logrus.FieldLogger) *Monitor {
	return &Monitor{store: st, logger: logger}
}

func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collectQueueMetrics(ctx)
				goroutineCount.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	keys, err := m.store.KeysWithPrefix(ctx, store.QueueKeyPrefix)
	if err != nil {
		m.logger.WithError(err).Warn("queue metrics sweep failed")
		return
	}
	for _, key := range keys {
		rideID, class, ok := parseQueueKey(key)
		if !ok {
			continue
		}
		n, err := m.store.ZSize(ctx, key)
		if err != nil {
			continue
		}
		m.SetQueueLength(rideID, class, n)
	}
}

func parseQueueKey(key string) (int64, models.Class, bool) {
	rest, ok := strings.CutPrefix(key, store.QueueKeyPrefix)
	if !ok {
		return 0, "", false
	}
	rawRide, rawClass, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", false
	}
	rideID, err := strconv.ParseInt(rawRide, 10, 64)
	if err != nil {
		return 0, "", false
	}
	class, ok := models.ParseClass(rawClass)
	return rideID, class, ok
}

func rideLabel(rideID int64) string {
	return strconv.FormatInt(rideID, 10)
}

func (m *Monitor) TrackQueueOperation(operation, status string) {
	queueOperations.WithLabelValues(operation, status).Inc()
}

func (m *Monitor) SetQueueLength(rideID int64, class models.Class, n int64) {
	queueLength.WithLabelValues(rideLabel(rideID), class.String()).Set(float64(n))
}

func (m *Monitor) TrackReadiness(rideID int64, class models.Class, status models.ReadinessStatus) {
	readinessEvents.WithLabelValues(rideLabel(rideID), class.String(), string(status)).Inc()
}

func (m *Monitor) TrackAdmitted(rideID int64, class models.Class, n int) {
	admittedUsers.WithLabelValues(rideLabel(rideID), class.String()).Add(float64(n))
}

func (m *Monitor) TrackPublishFailure(rideID int64) {
	publishFailures.WithLabelValues(rideLabel(rideID)).Inc()
}

func (m *Monitor) ObserveTick(rideID int64, d time.Duration) {
	tickDuration.WithLabelValues(rideLabel(rideID)).Observe(d.Seconds())
}

func (m *Monitor) SetRegisteredDispatchers(n int) {
	registeredDispatchers.Set(float64(n))
}

// NewMetricsServer serves /metrics from the default registry.
func NewMetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
