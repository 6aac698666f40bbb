// Package metrics exposes Prometheus counters for the session and sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters recorded by the client.
//
// Usage:
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.SyncEvents.WithLabelValues("general", "duplicate").Inc()
type Metrics struct {
	// SyncEvents counts how remote arrivals were applied to a room's sequence.
	// Labels: room, outcome (appended|inserted|resolved|duplicate|buffered|undecodable)
	SyncEvents *prometheus.CounterVec

	// Sends counts outgoing messages by transport and result.
	// Labels: transport (channel|rest), result (ok|failed)
	Sends *prometheus.CounterVec

	// ChannelTransitions counts live channel state changes.
	// Labels: state (connecting|open|reconnecting|closed|failed)
	ChannelTransitions *prometheus.CounterVec

	// HistoryFetches counts history page requests.
	// Labels: result (ok|retry|failed)
	HistoryFetches *prometheus.CounterVec

	// SessionEvents counts session lifecycle transitions.
	// Labels: event (login|login_failed|logout|expired|restored|refreshed)
	SessionEvents *prometheus.CounterVec
}

// New registers the counters with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "sync_events_total",
			Help:      "Remote message arrivals by merge outcome.",
		}, []string{"room", "outcome"}),
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "sends_total",
			Help:      "Outgoing messages by transport and result.",
		}, []string{"transport", "result"}),
		ChannelTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "channel_transitions_total",
			Help:      "Live channel state transitions.",
		}, []string{"state"}),
		HistoryFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "history_fetches_total",
			Help:      "History page requests by result.",
		}, []string{"result"}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "session_events_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"event"}),
	}
}

// Discard returns counters that are not exported anywhere.
func Discard() *Metrics {
	return New(nil)
}
