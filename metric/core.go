package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgeworker"

// Metrics contains the agent-level metrics shared by the dispatcher, the command
// handlers and the NATS client.
type Metrics struct {
	BuildInfo *prometheus.GaugeVec

	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec
	CommandsHandled  *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	HandlersInFlight prometheus.Gauge

	RepliesPublished prometheus.Counter
	ReplyErrors      prometheus.Counter
	StatusEvents     *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
	ConnectRetries prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Constant 1, labelled with the running version and device id",
			},
			[]string{"version", "device"},
		),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Total number of messages received on the device subscription",
		}),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Messages dropped before reaching a handler",
			},
			[]string{"reason"},
		),

		CommandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "handled_total",
				Help:      "Requests handled, by canonical pattern and outcome (success, transient, invalid, fatal)",
			},
			[]string{"pattern", "outcome"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"pattern"},
		),

		HandlersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "in_flight",
			Help:      "Handlers currently running",
		}),

		RepliesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replies",
			Name:      "published_total",
			Help:      "Replies published to a reply inbox",
		}),

		ReplyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replies",
			Name:      "errors_total",
			Help:      "Replies that could not be encoded or published",
		}),

		StatusEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "status",
				Name:      "events_total",
				Help:      "Status events published, by domain and event type",
			},
			[]string{"domain", "event_type"},
		),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		ConnectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connect_retries_total",
			Help:      "Failed initial connection attempts",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.BuildInfo,
		c.MessagesReceived,
		c.MessagesDropped,
		c.CommandsHandled,
		c.HandlerDuration,
		c.HandlersInFlight,
		c.RepliesPublished,
		c.ReplyErrors,
		c.StatusEvents,
		c.NATSConnected,
		c.NATSReconnects,
		c.ConnectRetries,
	}
}

// RecordBuildInfo sets the build info gauge
func (c *Metrics) RecordBuildInfo(version, device string) {
	c.BuildInfo.WithLabelValues(version, device).Set(1)
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived() {
	c.MessagesReceived.Inc()
}

// RecordMessageDropped increments the drop counter for reason
func (c *Metrics) RecordMessageDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordCommand records the outcome and duration of one handler invocation
func (c *Metrics) RecordCommand(pattern, outcome string, duration time.Duration) {
	c.CommandsHandled.WithLabelValues(pattern, outcome).Inc()
	c.HandlerDuration.WithLabelValues(pattern).Observe(duration.Seconds())
}

// RecordInFlight sets the running handler gauge
func (c *Metrics) RecordInFlight(n int64) {
	c.HandlersInFlight.Set(float64(n))
}

// RecordReply counts a reply publish attempt
func (c *Metrics) RecordReply(err error) {
	if err != nil {
		c.ReplyErrors.Inc()
		return
	}
	c.RepliesPublished.Inc()
}

// RecordStatusEvent increments the status event counter
func (c *Metrics) RecordStatusEvent(domain, eventType string) {
	c.StatusEvents.WithLabelValues(domain, eventType).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordConnectRetry increments the failed initial connect counter
func (c *Metrics) RecordConnectRetry() {
	c.ConnectRetries.Inc()
}
