package engine

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec
	Redirects       prometheus.Counter
	NetworkErrors   *prometheus.CounterVec
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_requests_total",
				Help: "Total number of HTTP exchanges, one per redirect hop",
			},
			[]string{"method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_request_duration_seconds",
				Help:    "Duration of a single HTTP exchange in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_response_size_bytes",
				Help:    "Decoded response body size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method"},
		),
		Redirects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_redirects_total",
				Help: "Total number of redirects followed",
			},
		),
		NetworkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_network_errors_total",
				Help: "Requests that produced no response, by error code",
			},
			[]string{"code"},
		),
	}
}

func (m *Metrics) observe(method string, resp *Response, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(resp.Status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
	m.ResponseSize.WithLabelValues(method).Observe(float64(len(resp.Body)))
}

func (m *Metrics) redirect() {
	if m == nil {
		return
	}
	m.Redirects.Inc()
}

func (m *Metrics) networkError(code string) {
	if m == nil {
		return
	}
	m.NetworkErrors.WithLabelValues(code).Inc()
}
