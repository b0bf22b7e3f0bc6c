// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics exposes prometheus instrumentation for the issuance
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Issuance records the outcome of broker issuance calls. All methods are
// safe on a nil receiver so instrumentation stays optional.
type Issuance struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewIssuance registers the issuance metrics on reg.
func NewIssuance(reg prometheus.Registerer) *Issuance {
	factory := promauto.With(reg)
	return &Issuance{
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credbroker_issuances_total",
			Help: "Issuance calls by backend kind and outcome.",
		}, []string{"backend", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credbroker_issuance_duration_seconds",
			Help:    "End-to-end duration of issuance calls, downstream use included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
	}
}

// Observe records one completed issuance call.
func (m *Issuance) Observe(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(backend, outcome).Inc()
	m.duration.WithLabelValues(backend).Observe(elapsed.Seconds())
}
