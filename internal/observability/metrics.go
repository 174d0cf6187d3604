package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Admin API request rate by route and status class.
	HTTPRequestsTotal *prometheus.CounterVec

	// Admin API latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Fetch cycles by outcome (enqueued, duplicate, skipped, failed). Watch for: skipped streaks = provider down.
	FetchCyclesTotal *prometheus.CounterVec

	// Fetch cycle wall time including provider call and enqueue.
	FetchCycleDuration prometheus.Histogram

	// OpenWeatherMap API call rate by status. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Enqueue results (enqueued, duplicate, error). Duplicates are expected on re-triggered cycles.
	QueueEnqueueTotal *prometheus.CounterVec

	// Messages handed to consumers.
	QueueReceivedTotal prometheus.Counter

	// Messages permanently removed after successful processing.
	QueueAckedTotal prometheus.Counter

	// Explicit releases of in-flight messages.
	QueueNackedTotal prometheus.Counter

	// Messages moved to the dead-letter sink by reason. Any increase needs an operator.
	QueueDeadLetteredTotal *prometheus.CounterVec

	// Delivery attempt number observed by the processor.
	DeliveryAttempt prometheus.Histogram

	// Processor outcomes per message (acked, failed, invalid).
	ProcessorMessagesTotal *prometheus.CounterVec

	// Processor latency per message, sinks included.
	ProcessorDuration *prometheus.HistogramVec

	// Sink calls by sink (notification, timeseries) and status.
	SinkCallsTotal *prometheus.CounterVec

	// Sink latency per call.
	SinkDuration *prometheus.HistogramVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state per component (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	queueGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	FetchCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchCyclesTotal",
			Help: "Fetch cycles by result",
		},
		[]string{"result"},
	)
	FetchCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fetchCycleDurationSeconds",
			Help:    "Fetch cycle duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	QueueEnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queueEnqueueTotal",
			Help: "Enqueue calls by result (enqueued, duplicate, error)",
		},
		[]string{"result"},
	)
	QueueReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queueReceivedTotal",
			Help: "Messages handed to consumers",
		},
	)
	QueueAckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queueAckedTotal",
			Help: "Messages acknowledged and removed",
		},
	)
	QueueNackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queueNackedTotal",
			Help: "In-flight messages released early by consumers",
		},
	)
	QueueDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queueDeadLetteredTotal",
			Help: "Messages moved to the dead-letter sink by reason",
		},
		[]string{"reason"},
	)
	DeliveryAttempt = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deliveryAttempt",
			Help:    "Delivery attempt number of messages seen by the processor",
			Buckets: []float64{1, 2, 3, 5, 10},
		},
	)
	ProcessorMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processorMessagesTotal",
			Help: "Processed messages by result (acked, failed, invalid)",
		},
		[]string{"result"},
	)
	ProcessorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processorDurationSeconds",
			Help:    "Per-message processing latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)
	SinkCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sinkCallsTotal",
			Help: "Output sink calls by sink and status",
		},
		[]string{"sink", "status"},
	)
	SinkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sinkDurationSeconds",
			Help:    "Output sink call latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"sink"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration,
		FetchCyclesTotal, FetchCycleDuration,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		QueueEnqueueTotal, QueueReceivedTotal, QueueAckedTotal, QueueNackedTotal, QueueDeadLetteredTotal,
		DeliveryAttempt, ProcessorMessagesTotal, ProcessorDuration,
		SinkCallsTotal, SinkDuration,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
	)
}

// QueueDepthFunc reports pending, in-flight and dead-lettered counts.
type QueueDepthFunc func() (pending, inFlight, deadLettered int, err error)

// RegisterQueueGauges exposes queue depth gauges backed by depth. Only the first call registers.
func RegisterQueueGauges(depth QueueDepthFunc) {
	queueGaugesOnce.Do(func() {
		registry.MustRegister(newQueueDepthCollector(depth))
	})
}

// queueDepthCollector takes one depth snapshot per scrape. When the snapshot fails the depth
// gauges are left out of the scrape and queueDepthUp reads 0, so an outage never looks like
// an empty queue.
type queueDepthCollector struct {
	depth    QueueDepthFunc
	up       *prometheus.Desc
	pending  *prometheus.Desc
	inFlight *prometheus.Desc
	dead     *prometheus.Desc
}

func newQueueDepthCollector(depth QueueDepthFunc) *queueDepthCollector {
	return &queueDepthCollector{
		depth:    depth,
		up:       prometheus.NewDesc("queueDepthUp", "1 when the last queue depth read succeeded", nil, nil),
		pending:  prometheus.NewDesc("queuePendingMessages", "Messages waiting for a consumer", nil, nil),
		inFlight: prometheus.NewDesc("queueInFlightMessages", "Messages claimed and invisible to other consumers", nil, nil),
		dead:     prometheus.NewDesc("queueDeadLetterMessages", "Messages held in the dead-letter sink", nil, nil),
	}
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.pending
	ch <- c.inFlight
	ch <- c.dead
}

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	pending, inFlight, dead, err := c.depth()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(pending))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(inFlight))
	ch <- prometheus.MustNewConstMetric(c.dead, prometheus.GaugeValue, float64(dead))
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
