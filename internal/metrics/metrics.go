// Package metrics provides Prometheus instrumentation for the sync client. It
// exposes gauges for connection state and local store sizes, counters for
// inbound and outbound event throughput, and a histogram for dial latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 1 for the current state label and 0 for the others.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisper_sync_connection_state",
		Help: "Current connection state (1 = active state)",
	}, []string{"state"})

	// ReconnectAttempts mirrors the displayed reconnection attempt counter.
	ReconnectAttempts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_sync_reconnect_attempts",
		Help: "Reconnection attempts since the last successful connect (saturates at the cap)",
	})

	// EventsTotal counts inbound server events by name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_sync_events_total",
		Help: "Inbound server events dispatched",
	}, []string{"event"})

	// MessagesTotal counts message log outcomes, labeled by result:
	// "appended", "duplicate", or "discarded".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_sync_messages_total",
		Help: "Inbound chat messages by log outcome",
	}, []string{"result"})

	// OutboundTotal counts outbound events, labeled by event and result
	// ("sent" or "dropped").
	OutboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_sync_outbound_total",
		Help: "Outbound client events by result",
	}, []string{"event", "result"})

	// DialLatency records how long the WebSocket handshake took.
	DialLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_sync_dial_latency_seconds",
		Help:    "WebSocket dial and upgrade latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// OpenTabs tracks the number of open conversation tabs.
	OpenTabs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_sync_open_tabs",
		Help: "Number of open conversation tabs",
	})

	// TypingEntries tracks the number of live typing indicators.
	TypingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_sync_typing_entries",
		Help: "Number of conversations with a live typing indicator",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		EventsTotal,
		MessagesTotal,
		OutboundTotal,
		DialLatency,
		OpenTabs,
		TypingEntries,
	)
}

// SetConnectionState marks state as the only active connection state.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
