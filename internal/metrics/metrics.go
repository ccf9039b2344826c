// Package metrics exposes engine, bridge and webhook counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

const namespace = "escrowbot"

// Event outcomes recorded by the reconciliation engine.
const (
	OutcomeMatched   = "matched"
	OutcomeNoMatch   = "no_match"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeForeign   = "foreign_recipient"
	OutcomeError     = "error"
)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	bridgeState      *prometheus.GaugeVec
	bridgeReconnects prometheus.Counter
	webhooks         *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	pending          prometheus.Gauge
	unconfirmed      prometheus.Gauge
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Payment events processed by the reconciliation engine.",
		}, []string{"source", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_transitions_total",
			Help:      "Committed trade status transitions.",
		}, []string{"from", "to"}),
		bridgeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_state",
			Help:      "1 for the chat bridge's current connection state.",
		}, []string{"state"}),
		bridgeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_reconnects_total",
			Help:      "Chat bridge reconnect attempts.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by tenant and HTTP status.",
		}, []string{"tenant", "code"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement send attempts by kind and result.",
		}, []string{"kind", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlements_pending",
			Help:      "Settlements waiting in the outbox at the last dispatch pass.",
		}),
		unconfirmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlements_unconfirmed",
			Help:      "Settlements whose delivery is unknown and await operator review.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.transitions, m.bridgeState, m.bridgeReconnects,
		m.webhooks, m.settlements, m.pending, m.unconfirmed,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PaymentEvent(source domain.EventSource, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(source), outcome).Inc()
}

func (m *Metrics) Transition(from, to domain.TradeStatus) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// BridgeState sets the gauge of s to 1 and every other state to 0.
func (m *Metrics) BridgeState(s domain.BridgeState) {
	if m == nil {
		return
	}
	for _, st := range domain.AllBridgeStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.bridgeState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) BridgeReconnect() {
	if m == nil {
		return
	}
	m.bridgeReconnects.Inc()
}

func (m *Metrics) Webhook(tenant, code string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(tenant, code).Inc()
}

func (m *Metrics) Settlement(kind domain.SettlementKind, result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) PendingSettlements(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) UnconfirmedSettlements(n int) {
	if m == nil {
		return
	}
	m.unconfirmed.Set(float64(n))
}
