// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package metrics exposes Prometheus collectors for the supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ticks counts supervisor poll cycles.
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uplinkd",
		Name:      "supervisor_ticks_total",
		Help:      "Supervisor poll cycles run.",
	})

	// StateTransitions counts state machine transitions by new state.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplinkd",
		Name:      "state_transitions_total",
		Help:      "State machine transitions by entered state.",
	}, []string{"state"})

	// Repairs counts idempotent repair actions by kind.
	Repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplinkd",
		Name:      "repairs_total",
		Help:      "Repair actions by kind (route, bring_up, renew).",
	}, []string{"kind"})

	// Rotations counts rotation attempts by trigger and outcome.
	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplinkd",
		Name:      "rotations_total",
		Help:      "Address rotations by trigger (manual, auto, escalation) and outcome.",
	}, []string{"trigger", "outcome"})

	// ProbeFailures counts failed reachability probes.
	ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uplinkd",
		Name:      "probe_failures_total",
		Help:      "Reachability probe failures.",
	})

	// CurrentState reports the state machine's position as a code:
	// 0 no-candidate, 1 link-down, 2 link-up-no-ip,
	// 3 link-up-unreachable, 4 healthy, 5 rotating.
	CurrentState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "uplinkd",
		Name:      "state",
		Help:      "Current supervisor state code.",
	})

	// LastRotationTime is the unix time of the last completed rotation.
	LastRotationTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "uplinkd",
		Name:      "last_rotation_timestamp_seconds",
		Help:      "Unix time of the last completed rotation.",
	})
)
