// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package supervisor

import "time"

// State is the supervisor's position in the recovery chain.
type State int

const (
	StateNoCandidate State = iota
	StateLinkDown
	StateLinkUpNoIP
	StateLinkUpUnreachable
	StateHealthy
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateNoCandidate:
		return "no-candidate"
	case StateLinkDown:
		return "link-down"
	case StateLinkUpNoIP:
		return "link-up-no-ip"
	case StateLinkUpUnreachable:
		return "link-up-unreachable"
	case StateHealthy:
		return "healthy"
	case StateRotating:
		return "rotating"
	default:
		return "unknown"
	}
}

// Status is the externally published view of the link, consumed by the
// control API and, through it, the proxy orchestration.
type Status struct {
	Interface     string    `json:"interface"`
	Backend       string    `json:"backend"`
	State         string    `json:"state"`
	FwMark        uint32    `json:"fwmark"`
	LastError     string    `json:"last_error,omitempty"`
	PublicAddress string    `json:"public_ip,omitempty"`
	LastRotation  time.Time `json:"last_rotation,omitempty"`
	AutoRotation  bool      `json:"auto_rotation"`
}

// RotationTrigger records why a rotation ran.
type RotationTrigger string

const (
	TriggerManual     RotationTrigger = "manual"
	TriggerAuto       RotationTrigger = "auto"
	TriggerEscalation RotationTrigger = "escalation"
)
