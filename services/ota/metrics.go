package ota

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	releaseCache  *prometheus.CounterVec
	downloadBytes prometheus.Counter
	links         *prometheus.CounterVec
	reloads       *prometheus.CounterVec
}

// NewMetrics registers the service counters on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espota",
			Name:      "firmware_checks_total",
			Help:      "Firmware polls by outcome.",
		}, []string{"outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espota",
			Name:      "uploads_total",
			Help:      "Firmware uploads by result.",
		}, []string{"result"}),
		releaseCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espota",
			Name:      "release_cache_total",
			Help:      "Release asset cache lookups by result.",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "espota",
			Name:      "release_download_bytes_total",
			Help:      "Bytes downloaded from release hosting.",
		}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espota",
			Name:      "link_operations_total",
			Help:      "Alias create/delete operations by result.",
		}, []string{"op", "result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espota",
			Name:      "config_reloads_total",
			Help:      "Device config reloads by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.checks, m.uploads, m.releaseCache, m.downloadBytes, m.links, m.reloads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) check(outcome string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) cache(result string) {
	if m == nil {
		return
	}
	m.releaseCache.WithLabelValues(result).Inc()
}

func (m *Metrics) downloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Metrics) link(op, result string) {
	if m == nil {
		return
	}
	m.links.WithLabelValues(op, result).Inc()
}

func (m *Metrics) reload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}
