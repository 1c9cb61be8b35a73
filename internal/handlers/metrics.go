package handlers

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks upload ingestion outcomes. Nil-safe like the hub metrics.
type Metrics struct {
	uploadsTotal *prometheus.CounterVec
}

// NewMetrics registers the upload collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_uploads_total",
			Help: "Upload requests by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.uploadsTotal)
	return m
}

func (m *Metrics) recordUpload(result string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(result).Inc()
}
