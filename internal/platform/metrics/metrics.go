package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// Registry owns a private Prometheus registry with the settlement collectors.
type Registry struct {
	reg *prometheus.Registry

	Verifications     *prometheus.CounterVec
	Webhooks          *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	PricingRejections *prometheus.CounterVec
	PaymentAttempts   *prometheus.CounterVec
	PollerResults     *prometheus.CounterVec
	PollersRunning    prometheus.Gauge
	GatewayLatencySec *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_auth_verifications_total",
		Help: "Inbound authentication checks by kind, result and reason.",
	}, []string{"kind", "result", "reason"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhook_deliveries_total",
		Help: "Authenticated webhook deliveries by processing outcome.",
	}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_status_transitions_total",
		Help: "Order status transition attempts by source, target status and outcome.",
	}, []string{"source", "to", "outcome"})
	pricing := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_pricing_rejections_total",
		Help: "Checkout submissions rejected by the pricing validator.",
	}, []string{"code"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payment_attempts_total",
		Help: "Payment submissions by method and outcome.",
	}, []string{"method", "outcome"})
	pollers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_poller_results_total",
		Help: "Reconciliation poller results.",
	}, []string{"outcome"})
	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_pollers_running",
		Help: "Reconciliation pollers currently running.",
	})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_gateway_latency_seconds",
		Help:    "Payment gateway call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	r.MustRegister(verifications, webhooks, transitions, pricing, payments, pollers, running, latency)
	return &Registry{
		reg:               r,
		Verifications:     verifications,
		Webhooks:          webhooks,
		Transitions:       transitions,
		PricingRejections: pricing,
		PaymentAttempts:   payments,
		PollerResults:     pollers,
		PollersRunning:    running,
		GatewayLatencySec: latency,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// RecordVerification counts webhook signature and OIDC checks.
func (r *Registry) RecordVerification(kind string, success bool, reason string) {
	r.Verifications.WithLabelValues(kind, result(success), reason).Inc()
}

func (r *Registry) RecordWebhook(outcome string) {
	r.Webhooks.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordTransition(source string, to domain.PaymentStatus, outcome string) {
	r.Transitions.WithLabelValues(source, string(to), outcome).Inc()
}

func (r *Registry) RecordPricingRejection(code string) {
	r.PricingRejections.WithLabelValues(code).Inc()
}

func (r *Registry) RecordPaymentAttempt(method domain.PaymentMethod, outcome string) {
	r.PaymentAttempts.WithLabelValues(string(method), outcome).Inc()
}

func (r *Registry) RecordPollerResult(outcome string) {
	r.PollerResults.WithLabelValues(outcome).Inc()
}

// PollerStarted and PollerStopped track the number of live pollers.
func (r *Registry) PollerStarted() { r.PollersRunning.Inc() }

func (r *Registry) PollerStopped() { r.PollersRunning.Dec() }

func (r *Registry) ObserveGatewayLatency(operation string, seconds float64) {
	r.GatewayLatencySec.WithLabelValues(operation).Observe(seconds)
}

func result(success bool) string {
	return strconv.FormatBool(success)
}
