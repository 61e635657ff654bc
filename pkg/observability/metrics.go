package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus metrics
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Namespace is the Prometheus namespace (default: streamrpc)
	Namespace string
	// HistogramBuckets override the latency buckets, in milliseconds
	HistogramBuckets []float64
	// ConstLabels are added to every metric
	ConstLabels prometheus.Labels
	// Registerer receives the collectors, default registerer when nil
	Registerer prometheus.Registerer
}

// Metrics holds the session-layer collectors. Transports and the session
// manager record into it; a nil *Metrics is safe and records nothing.
type Metrics struct {
	registry prometheus.Registerer

	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	notificationTotal *prometheus.CounterVec
	cancellationTotal prometheus.Counter

	eventsAppended  prometheus.Counter
	eventsReplayed  prometheus.Counter
	resumptionTotal *prometheus.CounterVec

	pendingOperations prometheus.Gauge
	streamsAttached   prometheus.Gauge
}

// NewMetrics creates and registers the session-layer collectors
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "streamrpc"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}
	registry := config.Registerer
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: registry,

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "sessions_active",
			Help:        "Number of sessions currently in the table",
			ConstLabels: config.ConstLabels,
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "sessions_total",
			Help:        "Session lifecycle transitions by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of handled requests in milliseconds",
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "request_total",
			Help:        "Total handled requests",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),

		notificationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "notification_total",
			Help:        "Total handled notifications",
			ConstLabels: config.ConstLabels,
		}, []string{"method"}),
		cancellationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "cancellation_total",
			Help:        "Total cancel notifications received",
			ConstLabels: config.ConstLabels,
		}),

		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_appended_total",
			Help:        "Events appended to session streams",
			ConstLabels: config.ConstLabels,
		}),
		eventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_replayed_total",
			Help:        "Events replayed during resumption",
			ConstLabels: config.ConstLabels,
		}),
		resumptionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "resumption_total",
			Help:        "Resumption attempts by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		pendingOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "pending_operations",
			Help:        "Operations currently in flight",
			ConstLabels: config.ConstLabels,
		}),
		streamsAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "streams_attached",
			Help:        "Streams with a live consumer attached",
			ConstLabels: config.ConstLabels,
		}),
	}

	if err := m.register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) register() error {
	collectors := []prometheus.Collector{
		m.sessionsActive,
		m.sessionsTotal,
		m.requestDuration,
		m.requestTotal,
		m.notificationTotal,
		m.cancellationTotal,
		m.eventsAppended,
		m.eventsReplayed,
		m.resumptionTotal,
		m.pendingOperations,
		m.streamsAttached,
	}
	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionCreated records a new session
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues("created").Inc()
}

// SessionClosed records a session transition to Closed
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

// RequestHandled records one completed request
func (m *Metrics) RequestHandled(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	ms := float64(duration.Milliseconds())
	m.requestDuration.WithLabelValues(method, status).Observe(ms)
	m.requestTotal.WithLabelValues(method, status).Inc()
}

// NotificationHandled records one processed notification
func (m *Metrics) NotificationHandled(method string) {
	if m == nil {
		return
	}
	m.notificationTotal.WithLabelValues(method).Inc()
	if method == "cancel" {
		m.cancellationTotal.Inc()
	}
}

// EventAppended records an event appended to a stream
func (m *Metrics) EventAppended() {
	if m == nil {
		return
	}
	m.eventsAppended.Inc()
}

// Resumption records a resumption attempt and its replayed events
func (m *Metrics) Resumption(outcome string, replayed int) {
	if m == nil {
		return
	}
	m.resumptionTotal.WithLabelValues(outcome).Inc()
	if replayed > 0 {
		m.eventsReplayed.Add(float64(replayed))
	}
}

// OperationStarted records an operation entering the pending table
func (m *Metrics) OperationStarted() {
	if m == nil {
		return
	}
	m.pendingOperations.Inc()
}

// OperationFinished records an operation leaving the pending table
func (m *Metrics) OperationFinished() {
	if m == nil {
		return
	}
	m.pendingOperations.Dec()
}

// ConsumerAttached records a live consumer attaching to a stream
func (m *Metrics) ConsumerAttached() {
	if m == nil {
		return
	}
	m.streamsAttached.Inc()
}

// ConsumerDetached records a live consumer detaching from a stream
func (m *Metrics) ConsumerDetached() {
	if m == nil {
		return
	}
	m.streamsAttached.Dec()
}
