// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package link manages the cellular data link through a small closed
// set of backends: PPP sessions dialed by pppd, DHCP over USB-ethernet
// (RNDIS) modems, and an argv-template vendor CLI escape hatch.
//
// All backends share one contract: bring the interface up, obtain or
// renew an address, resolve the next hop, tear down cleanly, and — the
// expensive one — force a carrier-visible rotation so the next address
// is actually new.
package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/ifscan"
)

// BackendKind identifies a link backend implementation.
type BackendKind int

const (
	BackendPPP BackendKind = iota
	BackendDHCP
	BackendVendor
)

func (k BackendKind) String() string {
	switch k {
	case BackendPPP:
		return "ppp"
	case BackendDHCP:
		return "dhcp"
	case BackendVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// State is the link session's lifecycle state.
type State int

const (
	StateDown State = iota
	StateConnecting
	StateUp
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateUp:
		return "up"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Gateway is a resolved next hop. Direct means the interface routes
// without an explicit gateway (point-to-point or on-link default).
type Gateway struct {
	IP     net.IP
	Direct bool
}

func (g Gateway) String() string {
	if g.Direct {
		return "direct"
	}
	if g.IP == nil {
		return "unresolved"
	}
	return g.IP.String()
}

// Session is the supervisor's record of the active link. The
// supervisor is its sole writer.
type Session struct {
	Backend   BackendKind
	Interface string
	Ifindex   int
	Gateway   *Gateway
	State     State
}

// Backend is the polymorphic link driver.
type Backend interface {
	Kind() BackendKind

	// BringUp sets the candidate administratively up; for address-
	// configured kinds it also starts address acquisition when no
	// address is present.
	BringUp(ctx context.Context, c *ifscan.Candidate) error

	// ResolveGateway determines the next hop for sess.Interface,
	// trying the live per-device route, then any backend fallback,
	// then probe-based direct detection. It fails only when all
	// three are exhausted.
	ResolveGateway(ctx context.Context, sess *Session) (Gateway, error)

	// RenewAddress releases the current lease or session address and
	// acquires a fresh one. It must start a new DISCOVER-class
	// conversation, never a renew of the existing lease: carriers
	// hand the same address back on a renew.
	RenewAddress(ctx context.Context, sess *Session) error

	// TearDown releases the address/session and sets the interface
	// administratively down.
	TearDown(ctx context.Context, sess *Session) error

	// ForceRotation performs the backend's deep reset: detach from
	// the packet network, deregister, wait out the settle period so
	// carrier-side NAT state expires, reattach, and re-acquire an
	// address. Skipping the settle wait makes the carrier return the
	// same address with high probability.
	ForceRotation(ctx context.Context, sess *Session) error
}

// Error carries the failed operation and backend for classification by
// the supervisor.
type Error struct {
	Op      string
	Backend BackendKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("link %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(kind BackendKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Backend: kind, Err: err}
}

// ProbeFunc reports whether iface has end-to-end reachability. Used by
// backends for direct-routing detection during gateway resolution.
type ProbeFunc func(ctx context.Context, iface string) bool

// ModemControl is the modem-level escape hatch backends use for deep
// resets. Production is an AT-command serial channel; tests stub it.
type ModemControl interface {
	// DeepReset deactivates the data session, detaches and
	// deregisters from the carrier network, waits settle, then
	// re-registers and reactivates. The settle wait is mandatory:
	// carrier-side NAT/session state takes observable time to
	// release, and skipping it gets the same address back.
	DeepReset(ctx context.Context, settle time.Duration) error
}

// retry runs fn up to attempts times with a fixed backoff between
// tries, stopping early on success or context cancellation. Retries
// stay sequential; the supervisor never runs them concurrently.
func retry(ctx context.Context, log *zap.Logger, op string, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		log.Warn("operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", i+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
