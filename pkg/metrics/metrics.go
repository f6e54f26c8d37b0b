/*
Copyright 2022 Adobe. All rights reserved.
This file is licensed to you under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License. You may obtain a copy
of the License at http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software distributed under
the License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR REPRESENTATIONS
OF ANY KIND, either express or implied. See the License for the specific language
governing permissions and limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (

	// CyclerAPIServerRequestsTotal = Total attempts of Kubernetes API operations
	CyclerAPIServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycler_apiserver_requests_total",
			Help: "Total attempts of Kubernetes API operations",
		},
		[]string{"operation", "status"},
	)

	// CyclerRetriesExhaustedTotal = Total operations that failed on every attempt
	CyclerRetriesExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycler_retries_exhausted_total",
			Help: "Total operations that failed on every attempt",
		},
		[]string{"operation"},
	)

	// CyclerActiveCycles = Nodes currently being cycled
	CyclerActiveCycles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cycler_active_cycles",
			Help: "Nodes currently being cycled",
		},
	)

	// CyclerNodePhase = Current phase of every in-flight node
	CyclerNodePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cycler_node_phase",
			Help: "Current phase of every in-flight node",
		},
		[]string{"node_name"},
	)

	// CyclerPhaseDurationSeconds = Time spent by a node in each phase
	CyclerPhaseDurationSeconds = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "cycler_phase_duration_seconds",
			Help:       "Time spent by a node in each phase",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"phase"},
	)

	// CyclerRunDurationSeconds = Duration of a maintenance pass
	CyclerRunDurationSeconds = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name:       "cycler_run_duration_seconds",
			Help:       "Duration of a maintenance pass",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
	)

	// CyclerCycledNodesTotal = Total nodes that completed a cycle
	CyclerCycledNodesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cycler_cycled_nodes_total",
			Help: "Total nodes that completed a cycle",
		},
	)

	// CyclerDegradedNodesTotal = Total nodes whose drain escalated to forced pod deletion
	CyclerDegradedNodesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cycler_degraded_nodes_total",
			Help: "Total nodes whose drain escalated to forced pod deletion",
		},
	)

	// CyclerForcedPodDeletionsTotal = Total pods deleted after a failed drain
	CyclerForcedPodDeletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cycler_forced_pod_deletions_total",
			Help: "Total pods deleted after a failed drain",
		},
	)

	// CyclerPodErrorsTotal = Total pod errors
	CyclerPodErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycler_pod_errors_total",
			Help: "Total pod errors",
		},
		[]string{"namespace", "action"},
	)

	// CyclerErrorsTotal = Total errors
	CyclerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cycler_errors_total",
			Help: "Total errors",
		},
	)
)
