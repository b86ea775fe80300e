package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrelay_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 240, 600},
		},
		[]string{"provider", "model"},
	)

	ProviderRPMCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrelay_provider_rpm_current",
			Help: "Requests started within the last minute per provider",
		},
		[]string{"provider"},
	)

	ProviderTPMCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrelay_provider_tpm_current",
			Help: "Tokens consumed within the last minute per provider",
		},
		[]string{"provider"},
	)

	ProviderRPDCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrelay_provider_rpd_current",
			Help: "Requests started within the last 24 hours per provider",
		},
		[]string{"provider"},
	)

	SelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_selection_rejected_total",
			Help: "Bindings filtered out during provider selection",
		},
		[]string{"provider", "reason"},
	)

	FailoverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_failover_total",
			Help: "Failover attempts after a provider failed before sending bytes",
		},
		[]string{"provider"},
	)

	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_stream_aborts_total",
			Help: "Streams terminated mid-flight by an upstream error",
		},
		[]string{"provider"},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(provider, model string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	RequestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode)).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

func (m *Metrics) RecordRejection(provider, reason string) {
	if !m.isEnabled() {
		return
	}
	SelectionRejected.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordFailover(provider string) {
	if !m.isEnabled() {
		return
	}
	FailoverTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordStreamAbort(provider string) {
	if !m.isEnabled() {
		return
	}
	StreamAborts.WithLabelValues(provider).Inc()
}

func (m *Metrics) UpdateProviderUsage(provider string, rpm, tpm, rpd int) {
	if !m.isEnabled() {
		return
	}
	ProviderRPMCurrent.WithLabelValues(provider).Set(float64(rpm))
	ProviderTPMCurrent.WithLabelValues(provider).Set(float64(tpm))
	ProviderRPDCurrent.WithLabelValues(provider).Set(float64(rpd))
}
