// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the engine's Prometheus collectors.
type Metrics struct {
	// Ticks counts scheduling ticks.
	Ticks prometheus.Counter

	// Submissions counts leaf jobs handed to the worker pool.
	Submissions prometheus.Counter

	// JobsInFlight tracks currently executing leaf jobs.
	JobsInFlight prometheus.Gauge

	// JobDuration observes leaf job walltime in seconds.
	JobDuration prometheus.Histogram

	// JobResults counts finished leaf jobs by outcome.
	JobResults *prometheus.CounterVec
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mosaic_engine_ticks_total",
			Help: "Number of scheduling ticks performed.",
		}),
		Submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mosaic_engine_submissions_total",
			Help: "Number of leaf jobs submitted to the worker pool.",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mosaic_engine_jobs_in_flight",
			Help: "Leaf jobs currently executing.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mosaic_engine_job_duration_seconds",
			Help:    "Walltime of finished leaf jobs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		JobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mosaic_engine_job_results_total",
			Help: "Finished leaf jobs by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.Submissions, m.JobsInFlight, m.JobDuration, m.JobResults)
	}
	return m
}
