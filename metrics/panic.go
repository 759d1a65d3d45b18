// Package metrics has prometheus collectors shared by sendmx packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sendmx_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Mailer Panic = "mailer"
)

func init() {
	// Ensure the labels exist, so a zero value is exported.
	for _, p := range []Panic{Mailer} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

// PanicInc counts an unhandled panic in pkg.
func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
