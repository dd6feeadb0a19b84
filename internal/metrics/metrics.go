// Package metrics defines counters for the webhook pipeline, the outbound
// sync adapter, and the compensation reconciler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures the service's operational counters.
type Metrics interface {
	IncWebhookReceived(outcome string)
	IncOperationExecuted(action, channel, status string)
	IncOutboundPush(action, status string)
	ObserveReconcileSweep(found, succeeded, failed int)
}

// Noop implements Metrics without emitting anything. Used in tests.
type Noop struct{}

func (Noop) IncWebhookReceived(string)             {}
func (Noop) IncOperationExecuted(string, string, string) {}
func (Noop) IncOutboundPush(string, string)        {}
func (Noop) ObserveReconcileSweep(int, int, int)   {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	webhooksReceived *prometheus.CounterVec
	operations       *prometheus.CounterVec
	outboundPushes   *prometheus.CounterVec
	reconcileQuotes  *prometheus.CounterVec
	once             sync.Once
}

// NewProm registers and returns the Prometheus-backed metrics.
func NewProm(namespace string) *Prom {
	p := &Prom{
		webhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Webhook callbacks by outcome",
		}, []string{"outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_executed_total",
			Help:      "Approval operations by action, channel and status",
		}, []string{"action", "channel", "status"}),
		outboundPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_pushes_total",
			Help:      "Outbound approval platform calls by action and status",
		}, []string{"action", "status"}),
		reconcileQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_quotes_total",
			Help:      "Quotes touched by the compensation sweep, by result",
		}, []string{"result"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.webhooksReceived, p.operations, p.outboundPushes, p.reconcileQuotes)
	})
}

func (p *Prom) IncWebhookReceived(outcome string) {
	p.webhooksReceived.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncOperationExecuted(action, channel, status string) {
	p.operations.WithLabelValues(action, channel, status).Inc()
}

func (p *Prom) IncOutboundPush(action, status string) {
	p.outboundPushes.WithLabelValues(action, status).Inc()
}

func (p *Prom) ObserveReconcileSweep(found, succeeded, failed int) {
	p.reconcileQuotes.WithLabelValues("found").Add(float64(found))
	p.reconcileQuotes.WithLabelValues("succeeded").Add(float64(succeeded))
	p.reconcileQuotes.WithLabelValues("failed").Add(float64(failed))
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
