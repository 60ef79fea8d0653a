package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Disconnect reasons recorded by the hub.
const (
	ReasonRemoved  = "removed"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Hub metrics
	ActiveSessions     *Gauge
	SessionsTotal      *Counter
	SessionsClosed     *CounterVec // labels: reason
	MessagesDispatched *Counter
	MessagesDropped    *Counter
	BroadcastFanout    *Histogram
	FilterUpdates      *CounterVec // labels: result
	SessionFilters     *GaugeVec   // labels: kind

	// Endpoint metrics
	IngestBatches    *Counter
	IngestEntries    *CounterVec // labels: kind
	ClientDropped    *Counter
	StreamDurationMs *Histogram

	// System metrics
	GoroutineCount *Gauge
	MemoryUsage    *Gauge // in bytes
	Uptime         *Gauge // in seconds

	// Bus metrics
	BusEventsPublished *CounterVec   // labels: topic
	BusEventLatency    *HistogramVec // labels: topic
	BusErrors          *CounterVec   // labels: topic
	BusEventsDelivered *CounterVec   // labels: topic

	// HTTP metrics
	HTTPRequests         *CounterVec   // labels: method, path, status
	HTTPDuration         *HistogramVec // labels: method, path
	HTTPRequestsInFlight *Gauge
	HTTPRequestSize      *HistogramVec // labels: method, path

	routesMu sync.RWMutex
	routes   map[string]bool

	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// New creates a new metrics instance with all metrics initialized and
// starts the system metrics collector.
func New() *Metrics {
	m := &Metrics{
		ActiveSessions: NewGauge(
			"logstream_active_sessions",
			"Number of connected stream sessions",
			nil,
		),
		SessionsTotal: NewCounter(
			"logstream_sessions_total",
			"Total number of stream sessions created",
			nil,
		),
		SessionsClosed: NewCounterVec(
			"logstream_sessions_closed_total",
			"Total number of stream sessions closed",
			[]string{"reason"},
		),
		MessagesDispatched: NewCounter(
			"logstream_messages_dispatched_total",
			"Total number of log events delivered to sessions",
			nil,
		),
		MessagesDropped: NewCounter(
			"logstream_messages_dropped_total",
			"Total number of frames dropped because a session buffer was full",
			nil,
		),
		BroadcastFanout: NewHistogram(
			"logstream_broadcast_fanout",
			"Number of sessions receiving each broadcast",
			[]float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		),
		FilterUpdates: NewCounterVec(
			"logstream_filter_updates_total",
			"Filter update requests by outcome",
			[]string{"result"},
		),
		SessionFilters: NewGaugeVec(
			"logstream_session_filters",
			"Connected sessions by active filter kind",
			[]string{"kind"},
		),

		IngestBatches: NewCounter(
			"logstream_ingest_batches_total",
			"Total number of ingestion batches accepted",
			nil,
		),
		IngestEntries: NewCounterVec(
			"logstream_ingest_entries_total",
			"Total number of ingested entries by kind",
			[]string{"kind"},
		),
		ClientDropped: NewCounter(
			"logstream_client_dropped_total",
			"Entries clients reported as evicted from their outbound buffer",
			nil,
		),
		StreamDurationMs: NewHistogram(
			"logstream_stream_duration_ms",
			"Lifetime of stream connections in milliseconds",
			[]float64{1000, 10000, 60000, 300000, 900000, 3600000, 14400000},
		),

		GoroutineCount: NewGauge(
			"logstream_goroutines",
			"Number of goroutines",
			nil,
		),
		MemoryUsage: NewGauge(
			"logstream_memory_bytes",
			"Memory usage in bytes",
			nil,
		),
		Uptime: NewGauge(
			"logstream_uptime_seconds",
			"Application uptime in seconds",
			nil,
		),

		BusEventsPublished: NewCounterVec(
			"logstream_bus_events_published_total",
			"Total number of events published to the bus",
			[]string{"topic"},
		),
		BusEventLatency: NewHistogramVec(
			"logstream_bus_event_latency_seconds",
			"Event bus publish latency in seconds",
			[]string{"topic"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		),
		BusErrors: NewCounterVec(
			"logstream_bus_errors_total",
			"Total number of event bus errors",
			[]string{"topic"},
		),
		BusEventsDelivered: NewCounterVec(
			"logstream_bus_events_delivered_total",
			"Total number of bus events handed to subscribers",
			[]string{"topic"},
		),

		HTTPRequests: NewCounterVec(
			"logstream_http_requests_total",
			"Total number of HTTP requests",
			[]string{"method", "path", "status"},
		),
		HTTPDuration: NewHistogramVec(
			"logstream_http_request_duration_seconds",
			"HTTP request duration in seconds",
			[]string{"method", "path"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		),
		HTTPRequestsInFlight: NewGauge(
			"logstream_http_requests_in_flight",
			"Number of HTTP requests currently being processed",
			nil,
		),
		HTTPRequestSize: NewHistogramVec(
			"logstream_http_request_size_bytes",
			"HTTP request size in bytes",
			[]string{"method", "path"},
			[]float64{100, 1000, 10000, 100000, 1000000},
		),

		startTime: time.Now(),
		stop:      make(chan struct{}),
	}

	m.collectSystemMetrics()
	go m.runCollector(15 * time.Second)

	return m
}

func (m *Metrics) runCollector(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.collectSystemMetrics()
		case <-m.stop:
			return
		}
	}
}

// collectSystemMetrics samples runtime statistics.
func (m *Metrics) collectSystemMetrics() {
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsage.Set(float64(memStats.Alloc))

	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordSessionOpened records a new stream session.
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed records a session leaving the hub.
func (m *Metrics) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabels(reason).Inc()
}

// RecordBroadcast records one broadcast and how many sessions received it.
func (m *Metrics) RecordBroadcast(recipients int) {
	if m == nil {
		return
	}
	m.MessagesDispatched.Add(int64(recipients))
	m.BroadcastFanout.Observe(float64(recipients))
}

// RecordDrop records a frame dropped on a full session buffer.
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

// RecordFilterUpdate records the outcome of one filter update request.
// result is one of applied, rejected, replayed, rate_limited, internal.
func (m *Metrics) RecordFilterUpdate(result string) {
	if m == nil {
		return
	}
	m.FilterUpdates.WithLabels(result).Inc()
}

// RecordFilterKindChange moves one session from one filter kind to another.
// An empty kind means the session had none (new) or has left (closed).
func (m *Metrics) RecordFilterKindChange(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.SessionFilters.WithLabels(from).Dec()
	}
	if to != "" {
		m.SessionFilters.WithLabels(to).Inc()
	}
}

// RecordIngest records an accepted ingestion batch.
func (m *Metrics) RecordIngest(logs, controls int, clientDropped int64) {
	if m == nil {
		return
	}
	m.IngestBatches.Inc()
	m.IngestEntries.WithLabels("log").Add(int64(logs))
	m.IngestEntries.WithLabels("control").Add(int64(controls))
	m.ClientDropped.Add(clientDropped)
}

// RecordStreamDuration records how long a stream connection lasted.
func (m *Metrics) RecordStreamDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.StreamDurationMs.Observe(float64(d.Milliseconds()))
}

// RecordBusPublish records event bus publish metrics.
func (m *Metrics) RecordBusPublish(topic string, latencyMs int64, err error) {
	if m == nil {
		return
	}
	m.BusEventsPublished.WithLabels(topic).Inc()

	// Convert milliseconds to seconds for Prometheus convention
	m.BusEventLatency.WithLabels(topic).Observe(float64(latencyMs) / 1000.0)

	if err != nil {
		m.BusErrors.WithLabels(topic).Inc()
	}
}

// RecordBusDelivery records an event handed to a bus subscriber.
func (m *Metrics) RecordBusDelivery(topic string, err error) {
	if m == nil {
		return
	}
	m.BusEventsDelivered.WithLabels(topic).Inc()
	if err != nil {
		m.BusErrors.WithLabels(topic).Inc()
	}
}

// RecordHTTP records HTTP request metrics.
// This is called by the HTTP middleware.
func (m *Metrics) RecordHTTP(method, path string, status int, durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	normalizedPath := m.normalizePath(path)

	m.HTTPRequests.WithLabels(method, normalizedPath, statusCode(status)).Inc()
	m.HTTPDuration.WithLabels(method, normalizedPath).Observe(durationSeconds)

	if sizeBytes > 0 {
		m.HTTPRequestSize.WithLabels(method, normalizedPath).Observe(float64(sizeBytes))
	}
}

// StartTime returns when the metrics instance was created.
func (m *Metrics) StartTime() time.Time {
	return m.startTime
}

// Close stops the background collector. Safe to call more than once.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
