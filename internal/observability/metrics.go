package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "entitlements"
	unmatchedRoute   = "unmatched"
	deliveryOK       = "delivered"
	deliveryFailed   = "failed"
)

// Metrics holds the Prometheus collectors for the entitlement service.
type Metrics struct {
	gatherer prometheus.Gatherer

	operations          *prometheus.CounterVec
	credits             *prometheus.CounterVec
	deliveries          *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers collectors on registry. A nil registry uses a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &Metrics{
		gatherer: registry,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Entitlement operations by outcome",
			},
			[]string{"operation", "status", "outcome"},
		),
		credits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "credits_total",
				Help:      "Credits moved by successful operations",
			},
			[]string{"operation", "action"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "side_effect_deliveries_total",
				Help:      "Final side effect delivery outcomes",
			},
			[]string{"kind", "notifier", "result"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"path", "code"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "code"},
		),
	}
}

// ObserveOperation counts one operation log entry.
func (metrics *Metrics) ObserveOperation(entry entitlement.OperationLog) {
	outcome := entry.Outcome
	if entry.Error != nil {
		outcome = entitlement.ErrorKind(entry.Error)
	}
	metrics.operations.WithLabelValues(entry.Operation, entry.Status, outcome).Inc()
	if entry.Error == nil && entry.Credits > 0 {
		metrics.credits.WithLabelValues(entry.Operation, entry.Action.String()).Add(float64(entry.Credits.Int64()))
	}
}

// ObserveDelivery matches notify.DeliveryObserver.
func (metrics *Metrics) ObserveDelivery(kind entitlement.SideEffectKind, notifier string, _ int, err error) {
	result := deliveryOK
	if err != nil {
		result = deliveryFailed
	}
	metrics.deliveries.WithLabelValues(kind.String(), notifier, result).Inc()
}

// GinMiddleware records request counts and latency per matched route.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		labels := prometheus.Labels{
			"path": path,
			"code": strconv.Itoa(ctx.Writer.Status()),
		}
		metrics.httpRequestsTotal.With(labels).Inc()
		metrics.httpRequestDuration.With(labels).Observe(time.Since(started).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.gatherer, promhttp.HandlerOpts{})
}
