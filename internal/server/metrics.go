package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loantocard/internal/pipeline"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	topupRequests   *prometheus.CounterVec
	borrowRequests  *prometheus.CounterVec
	previewRequests *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	topups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loantocard_topup_requests_total",
		Help: "Top-up run requests by outcome",
	}, []string{"status"})

	borrows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loantocard_borrow_requests_total",
		Help: "Borrow-only run requests by outcome",
	}, []string{"status"})

	previews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loantocard_preview_requests_total",
		Help: "Confirmation preview requests by outcome",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(topups, borrows, previews)

	return &metricsRegistry{
		registry:        r,
		topupRequests:   topups,
		borrowRequests:  borrows,
		previewRequests: previews,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRun(mode pipeline.Mode, status string) {
	if mode == pipeline.ModeBorrowOnly {
		m.borrowRequests.WithLabelValues(status).Inc()
		return
	}
	m.topupRequests.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incPreview(status string) {
	m.previewRequests.WithLabelValues(status).Inc()
}
