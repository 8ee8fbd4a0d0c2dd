/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tcc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dapr/tcc-coordinator/transaction"
)

const metricsNamespace = "tcc"

// Outcome of handling one record during a recovery sweep.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeExhausted Outcome = "exhausted"
	// A branch left in TRYING past the trying timeout with no root driving it.
	OutcomeOrphaned Outcome = "orphaned"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	begun         *prometheus.CounterVec
	completions   *prometheus.CounterVec
	recovered     *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	stuck         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		begun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_begun_total",
			Help:      "Transactions begun, by type (ROOT, BRANCH).",
		}, []string{"type"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "completions_total",
			Help:      "Confirm and cancel rounds across participants, by status and result.",
		}, []string{"status", "result"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "transactions_total",
			Help:      "Records handled by the recovery sweeper, by outcome.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "sweeps_total",
			Help:      "Recovery sweeps, by result (done, skipped, error).",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of recovery sweeps.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "recovery",
			Name:      "stuck_transactions",
			Help:      "Records found past the grace period by the last sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{m.begun, m.completions, m.recovered, m.sweeps, m.sweepDuration, m.stuck} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) transactionBegun(t transaction.Type) {
	if m == nil {
		return
	}
	m.begun.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) completion(status transaction.Status, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.completions.WithLabelValues(string(status), result).Inc()
}

func (m *Metrics) recoveredTransaction(o Outcome) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) sweep(result string, elapsed time.Duration, stuck int) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
	if result == "skipped" {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	if stuck >= 0 {
		m.stuck.Set(float64(stuck))
	}
}
