// Package metrics: Prometheus-коллекторы менеджера сессий.
// Каждый экземпляр Metrics владеет собственным реестром.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tgworker"

// Metrics агрегирует счётчики и гейджи жизненного цикла сессий и моста сообщений.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsByStatus  *prometheus.GaugeVec
	QRGenerated       prometheus.Counter
	QRExpired         prometheus.Counter
	Logins            *prometheus.CounterVec
	PasswordAttempts  *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec
	InboundMessages   prometheus.Counter
	WebhookDelivered  prometheus.Counter
	WebhookFailures   prometheus.Counter
	WebhookDuration   prometheus.Histogram
	OutboundMessages  *prometheus.CounterVec
	BootstrapSessions *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New создаёт реестр с Go/process-коллекторами и все метрики сервиса.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWith(reg)
}

// NewIsolated создаёт метрики в чистом реестре без Go/process-коллекторов.
// Так собирается менеджер без внешнего реестра и тесты.
func NewIsolated() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of tenant sessions by status.",
		}, []string{"status"}),
		QRGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_generated_total",
			Help:      "QR login codes issued.",
		}),
		QRExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_expired_total",
			Help:      "QR login codes that expired before being scanned.",
		}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Successful authorizations by method (qr, password, resume).",
		}, []string{"method"}),
		PasswordAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_attempts_total",
			Help:      "2FA password submissions by result.",
		}, []string{"result"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Sessions dropped to disconnected by reason.",
		}, []string{"reason"}),
		InboundMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages received from Telegram.",
		}),
		WebhookDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivered_total",
			Help:      "Inbound messages delivered to the webhook.",
		}),
		WebhookFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_failures_total",
			Help:      "Inbound messages dropped because webhook delivery failed.",
		}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook delivery latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by result.",
		}, []string{"result"}),
		BootstrapSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_sessions_total",
			Help:      "Sessions resumed at startup by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "REST requests by route pattern and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
