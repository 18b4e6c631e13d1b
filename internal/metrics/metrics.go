// Package metrics exposes Prometheus collectors for the session, balance,
// reputation and purchase components.
//
// Exported series:
//   - tmbot_session_state                 current ConnectionState as a number
//   - tmbot_reconnects_total{reason}      scheduled reconnects
//   - tmbot_ws_messages_total{kind}       inbound push messages by kind
//   - tmbot_purchase_attempts_total{result} single buy submissions by result code
//   - tmbot_purchases_total{outcome}      orchestrated purchases (ok or error category)
//   - tmbot_balance_minor_units           believed wallet balance
//   - tmbot_reputation_failures_total{table}
//   - tmbot_reputation_counters{table}    live counters after the last sweep
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// Metrics owns a private registry and every collector the bot updates.
type Metrics struct {
	registry *prometheus.Registry

	sessionState       prometheus.Gauge
	reconnects         *prometheus.CounterVec
	messages           *prometheus.CounterVec
	purchaseAttempts   *prometheus.CounterVec
	purchases          *prometheus.CounterVec
	balance            prometheus.Gauge
	reputationFailures *prometheus.CounterVec
	reputationCounters *prometheus.GaugeVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tmbot_session_state",
			Help: "Streaming session state (0=disconnected,1=connecting,2=open,3=authenticated,4=reconnecting).",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmbot_reconnects_total",
			Help: "Reconnects scheduled by the streaming session.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmbot_ws_messages_total",
			Help: "Inbound push messages by kind.",
		}, []string{"kind"}),
		purchaseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmbot_purchase_attempts_total",
			Help: "Single purchase submissions by result code.",
		}, []string{"result"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmbot_purchases_total",
			Help: "Orchestrated purchases by outcome.",
		}, []string{"outcome"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tmbot_balance_minor_units",
			Help: "Believed wallet balance in minor currency units.",
		}),
		reputationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmbot_reputation_failures_total",
			Help: "Failures recorded in the reputation cache.",
		}, []string{"table"}),
		reputationCounters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tmbot_reputation_counters",
			Help: "Live reputation counters after the last decay sweep.",
		}, []string{"table"}),
	}

	m.registry.MustRegister(
		m.sessionState,
		m.reconnects,
		m.messages,
		m.purchaseAttempts,
		m.purchases,
		m.balance,
		m.reputationFailures,
		m.reputationCounters,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetSessionState(s domain.ConnectionState) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(s))
}

func (m *Metrics) IncReconnect(reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMessage(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPurchaseAttempt(result domain.BuyResult) {
	if m == nil {
		return
	}
	m.purchaseAttempts.WithLabelValues(string(result)).Inc()
}

// IncPurchase counts an orchestrated purchase; outcome is "ok" or an error
// category.
func (m *Metrics) IncPurchase(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetBalance(v int64) {
	if m == nil {
		return
	}
	m.balance.Set(float64(v))
}

func (m *Metrics) IncReputationFailure(table string) {
	if m == nil {
		return
	}
	m.reputationFailures.WithLabelValues(table).Inc()
}

func (m *Metrics) SetReputationCounters(table string, n int) {
	if m == nil {
		return
	}
	m.reputationCounters.WithLabelValues(table).Set(float64(n))
}
