/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Prometheus metrics
 */

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IppdMetrics holds all ippd metrics
type IppdMetrics struct {
	reg *prometheus.Registry

	ippRequests   *prometheus.CounterVec
	httpRejected  *prometheus.CounterVec
	backendCalls  *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec
	printersKnown prometheus.Gauge
	watcherEvents *prometheus.CounterVec
}

// Metrics is the global metrics instance
var Metrics = NewIppdMetrics()

// NewIppdMetrics creates a new set of metrics, registered
// in its own registry
func NewIppdMetrics() *IppdMetrics {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &IppdMetrics{
		reg: reg,
		ippRequests: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_ipp_requests_total",
				Help: "Total number of IPP requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		httpRejected: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_http_rejected_total",
				Help: "Total number of HTTP requests rejected before IPP decoding",
			},
			[]string{"code"},
		),
		backendCalls: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "ippd_backend_call_duration_seconds",
				Help: "Duration of printerd D-Bus calls",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1,     // 1s
					10,    // 10s
				},
			},
			[]string{"method"},
		),
		backendErrors: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_backend_errors_total",
				Help: "Total number of failed printerd D-Bus calls",
			},
			[]string{"method"},
		),
		printersKnown: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ippd_printers",
				Help: "Number of printers currently known to the watcher",
			},
		),
		watcherEvents: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ippd_watcher_events_total",
				Help: "Total number of printerd object events by kind",
			},
			[]string{"event"},
		),
	}
}

// ObserveIppRequest counts a completed IPP request
func (m *IppdMetrics) ObserveIppRequest(op string, status goipp.Status) {
	m.ippRequests.WithLabelValues(op, status.String()).Inc()
}

// ObserveRejected counts a request, rejected at the HTTP level
func (m *IppdMetrics) ObserveRejected(code int) {
	m.httpRejected.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveBackendCall records a printerd call
func (m *IppdMetrics) ObserveBackendCall(method string, d time.Duration, err error) {
	m.backendCalls.WithLabelValues(method).Observe(d.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(method).Inc()
	}
}

// ObserveEvent counts an object watcher event
func (m *IppdMetrics) ObserveEvent(event string) {
	m.watcherEvents.WithLabelValues(event).Inc()
}

// SetPrinters updates the known printers gauge
func (m *IppdMetrics) SetPrinters(n int) {
	m.printersKnown.Set(float64(n))
}

// Handler returns http.Handler that exposes metrics
func (m *IppdMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gather returns current metric families, for status reports
func (m *IppdMetrics) Gather() (map[string]float64, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	for _, f := range families {
		var sum float64
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				sum += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				sum += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				sum += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		totals[f.GetName()] = sum
	}

	return totals, nil
}
