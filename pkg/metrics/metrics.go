/*
Copyright The Crucible Authors.

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

// Package metrics holds the prometheus collectors for the execution core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolSlots tracks warm-pool slot counts per language and state.
	PoolSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_pool_slots",
		Help: "Current pool slots by language and state.",
	}, []string{"lang", "state"})

	// PoolAcquireSeconds observes how long Acquire waited for a slot.
	PoolAcquireSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_pool_acquire_seconds",
		Help:    "Latency of pool acquisition.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"lang", "outcome"})

	// ExecutionSeconds observes end-to-end pipeline duration.
	ExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_execution_seconds",
		Help:    "Duration of orchestrated executions.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"lang", "provenance"})

	// Executions counts completed pipelines by outcome.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_executions_total",
		Help: "Completed executions by language and outcome.",
	}, []string{"lang", "outcome"})

	// SandboxesCreated counts sandbox creations by provenance.
	SandboxesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sandboxes_created_total",
		Help: "Sandboxes created by language and provenance.",
	}, []string{"lang", "provenance"})

	// SandboxesDestroyed counts sandbox destructions.
	SandboxesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sandboxes_destroyed_total",
		Help: "Sandboxes destroyed by language.",
	}, []string{"lang"})

	// StateLoads counts state-store reads by tier outcome
	// (hot, cold, miss).
	StateLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_state_loads_total",
		Help: "Interpreter state loads by tier.",
	}, []string{"tier"})

	// StateArchived counts hot-to-cold state migrations.
	StateArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crucible_state_archived_total",
		Help: "State blobs migrated to the cold tier.",
	})
)
