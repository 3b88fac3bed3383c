// Package metrics exposes monitoring counters. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "txmonitor"

type Metrics struct {
	registered,
	pushFallbacks prometheus.Counter

	settled,
	pollAttempts,
	refreshes *prometheus.CounterVec

	subscriptions prometheus.Gauge
}

func New(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registered_total",
			Help:      "Number of transactions registered for monitoring",
		}),
		pushFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_fallbacks_total",
			Help:      "Number of times a transaction fell back from push to polling",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_total",
			Help:      "Number of settled transactions by result",
		}, []string{"result"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Number of result fetches made by polling loops",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_refreshes_total",
			Help:      "Number of account refreshes requested by successful transactions, by kind",
		}, []string{"kind"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_subscriptions",
			Help:      "Number of live push subscriptions",
		}),
	}

	err := errors.Join(
		registerer.Register(m.registered),
		registerer.Register(m.pushFallbacks),
		registerer.Register(m.settled),
		registerer.Register(m.pollAttempts),
		registerer.Register(m.refreshes),
		registerer.Register(m.subscriptions),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Registered() {
	if m != nil {
		m.registered.Inc()
	}
}

func (m *Metrics) PushFallback() {
	if m != nil {
		m.pushFallbacks.Inc()
	}
}

// Settled counts one settlement; result is success, failure or expired.
func (m *Metrics) Settled(result string) {
	if m != nil {
		m.settled.WithLabelValues(result).Inc()
	}
}

// PollAttempt counts one fetch; result is ok, not_found or error.
func (m *Metrics) PollAttempt(result string) {
	if m != nil {
		m.pollAttempts.WithLabelValues(result).Inc()
	}
}

// AccountRefresh counts one refresh request caused by a transaction kind.
func (m *Metrics) AccountRefresh(kind string) {
	if m != nil {
		m.refreshes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}
