package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "servicebus"

// Metrics holds the Prometheus collectors for the bus, the broker connection
// and the health checker. A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	lateReplies       *prometheus.CounterVec
	dispatchErrors    *prometheus.CounterVec
	malformedMessages *prometheus.CounterVec
	connectionEvents  *prometheus.CounterVec
	componentState    *prometheus.GaugeVec
	componentLatency  *prometheus.GaugeVec
	healthCycles      *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. Call Register to expose them.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:        registerer,
		callsTotal:        newCounterVec("bus", "calls_total", "Total number of RPC calls by request type and outcome", []string{"request_type", "outcome"}),
		callDuration:      newHistogramVec("bus", "call_duration_seconds", "Round trip time of RPC calls", prometheus.DefBuckets, []string{"request_type"}),
		lateReplies:       newCounterVec("bus", "late_replies_total", "Replies that arrived after their call completed or timed out", []string{"response_type"}),
		dispatchErrors:    newCounterVec("bus", "dispatch_errors_total", "Handler failures by message type and kind", []string{"message_type", "kind"}),
		malformedMessages: newCounterVec("bus", "malformed_messages_total", "Requests dropped because they could not be answered", []string{"message_type"}),
		connectionEvents:  newCounterVec("connection", "events_total", "Broker connection lifecycle events", []string{"transport", "event"}),
		componentState:    newGaugeVec("health", "component_state", "1 for the current health state of a component, 0 otherwise", []string{"component", "state"}),
		componentLatency:  newGaugeVec("health", "component_latency_seconds", "Latency of the last health check of a component", []string{"component"}),
		healthCycles:      newHistogramVec("health", "cycle_duration_seconds", "Duration of a full health check cycle", []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}, nil),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.lateReplies,
		m.dispatchErrors,
		m.malformedMessages,
		m.connectionEvents,
		m.componentState,
		m.componentLatency,
		m.healthCycles,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) RecordCall(requestType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(requestType, outcome).Inc()
	m.callDuration.WithLabelValues(requestType).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordLateReply(responseType string) {
	if m == nil {
		return
	}
	m.lateReplies.WithLabelValues(responseType).Inc()
}

func (m *Metrics) RecordDispatchError(messageType, kind string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(messageType, kind).Inc()
}

func (m *Metrics) RecordMalformed(messageType string) {
	if m == nil {
		return
	}
	m.malformedMessages.WithLabelValues(messageType).Inc()
}

// RecordConnectionEvent counts a connection lifecycle event such as "lost",
// "restored" or "reconnect_failed".
func (m *Metrics) RecordConnectionEvent(transport, event string) {
	if m == nil {
		return
	}
	m.connectionEvents.WithLabelValues(transport, event).Inc()
}

// SetComponentState marks state as current for component and resets every
// other entry of states.
func (m *Metrics) SetComponentState(component, state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.componentState.WithLabelValues(component, s).Set(value)
	}
}

func (m *Metrics) ObserveComponentLatency(component string, latency time.Duration) {
	if m == nil {
		return
	}
	m.componentLatency.WithLabelValues(component).Set(latency.Seconds())
}

func (m *Metrics) ObserveHealthCycle(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.healthCycles.WithLabelValues().Observe(elapsed.Seconds())
}
