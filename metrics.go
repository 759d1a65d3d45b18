package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/sendmx/dkim"
	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/mailer"
	"github.com/mjl-/sendmx/metrics"
	"github.com/mjl-/sendmx/smtpclient"
)

func init() {
	dns.MetricLookup = histogramVec{promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sendmx_dns_lookup_duration_seconds",
			Help:    "DNS lookups.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"pkg",
			"type",   // Lower-case Resolver method name without leading Lookup.
			"result", // ok, nxdomain, temporary, timeout, canceled, error
		},
	)}

	dkim.MetricSign = counterVec{promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendmx_dkim_sign_total",
			Help: "DKIM message signings, label key is the type of key, rsa or ed25519.",
		},
		[]string{
			"key",
		},
	)}
	dkim.MetricVerify = counterVec{promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendmx_dkim_verify_total",
			Help: "DKIM signature verifications, by status.",
		},
		[]string{
			"status",
		},
	)}

	smtpclient.MetricCommands = histogramVec{promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sendmx_smtpclient_command_duration_seconds",
			Help:    "SMTP client command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"cmd",
			"code",
		},
	)}
	smtpclient.MetricConnect = counterVec{promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sendmx_smtpclient_connect_total",
			Help: "Connection attempts to domains, by result.",
		},
		[]string{
			"result", // ok, resolve, error
		},
	)}

	mailer.MetricDelivery = histogramVec{promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sendmx_mailer_delivery_duration_seconds",
			Help:    "Delivery to a domain, including connecting and the SMTP session, by result.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"result", // ok, permanent, temporary, error
		},
	)}
	mailer.MetricPanicInc = func() {
		metrics.PanicInc(metrics.Mailer)
	}
}

// writeMetrics writes the current values of all metrics to path, in the text
// format read by the node exporter textfile collector.
func writeMetrics(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

type counterVec struct {
	*prometheus.CounterVec
}

func (m counterVec) IncLabels(labels ...string) {
	m.CounterVec.WithLabelValues(labels...).Inc()
}

type histogramVec struct {
	*prometheus.HistogramVec
}

func (m histogramVec) ObserveLabels(v float64, labels ...string) {
	m.HistogramVec.WithLabelValues(labels...).Observe(v)
}
