// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package link

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/ifscan"
)

// PPPBackend drives a pppd-dialed cellular session via the pon/poff
// provider scripts. The ppp interface itself is created by pppd; this
// backend's job is to keep the session alive and to force redials.
type PPPBackend struct {
	log      *zap.Logger
	provider string
	dialWait time.Duration
	modem    ModemControl
	settle   time.Duration
	probe    ProbeFunc
	attempts int
	backoff  time.Duration
}

// PPPOptions configures a PPPBackend.
type PPPOptions struct {
	Provider      string // /etc/ppp/peers entry
	DialTimeout   time.Duration
	Modem         ModemControl
	Settle        time.Duration
	Probe         ProbeFunc
	RetryAttempts int
	RetryBackoff  time.Duration
}

// NewPPPBackend returns a PPP-kind backend.
func NewPPPBackend(log *zap.Logger, opts PPPOptions) *PPPBackend {
	if opts.Provider == "" {
		opts.Provider = "provider"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	return &PPPBackend{
		log:      log.Named("ppp"),
		provider: opts.Provider,
		dialWait: opts.DialTimeout,
		modem:    opts.Modem,
		settle:   opts.Settle,
		probe:    opts.Probe,
		attempts: opts.RetryAttempts,
		backoff:  opts.RetryBackoff,
	}
}

func (b *PPPBackend) Kind() BackendKind { return BackendPPP }

func (b *PPPBackend) cmd(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %q failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return nil
}

// BringUp sets an existing ppp interface administratively up; when the
// session carries no address yet it waits for IPCP rather than
// redialing a session pppd is still negotiating.
func (b *PPPBackend) BringUp(ctx context.Context, c *ifscan.Candidate) error {
	err := retry(ctx, b.log, "bring-up", b.attempts, b.backoff, func() error {
		return linkSetUp(c.Name)
	})
	return opErr(BackendPPP, "bring-up", err)
}

// ResolveGateway prefers the per-device route pppd installed, then the
// IPCP peer address, and falls back to direct point-to-point routing —
// a ppp link forwards a default route with no next hop at all.
func (b *PPPBackend) ResolveGateway(ctx context.Context, sess *Session) (Gateway, error) {
	if gw, err := deviceGateway(sess.Interface); err == nil {
		return Gateway{IP: gw}, nil
	}
	if peer, err := pppPeer(sess.Interface); err == nil {
		return Gateway{IP: peer}, nil
	}
	// Point-to-point: dev-only default route works regardless.
	return Gateway{Direct: true}, nil
}

// RenewAddress redials the PPP session. Each dial is a fresh IPCP
// negotiation, so there is no renew-vs-discover distinction to defeat.
func (b *PPPBackend) RenewAddress(ctx context.Context, sess *Session) error {
	err := retry(ctx, b.log, "renew-address", b.attempts, b.backoff, func() error {
		return b.redial(ctx)
	})
	return opErr(BackendPPP, "renew-address", err)
}

func (b *PPPBackend) redial(ctx context.Context) error {
	if err := b.cmd(ctx, "poff", b.provider); err != nil {
		// poff fails when no session is up; that is fine before a dial.
		b.log.Debug("poff reported error", zap.Error(err))
	}
	if err := b.cmd(ctx, "pon", b.provider); err != nil {
		return err
	}
	// pppd daemonizes immediately; give IPCP time to assign an
	// address before the caller rescans.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.dialWait):
	}
	return nil
}

// TearDown hangs up the session.
func (b *PPPBackend) TearDown(ctx context.Context, sess *Session) error {
	if err := b.cmd(ctx, "poff", b.provider); err != nil {
		return opErr(BackendPPP, "tear-down", err)
	}
	return nil
}

// ForceRotation hangs up, runs the modem deep reset (detach,
// deregister, settle, reattach), and redials.
func (b *PPPBackend) ForceRotation(ctx context.Context, sess *Session) error {
	if err := b.cmd(ctx, "poff", b.provider); err != nil {
		b.log.Debug("poff reported error", zap.Error(err))
	}
	if b.modem != nil {
		if err := b.modem.DeepReset(ctx, b.settle); err != nil {
			return opErr(BackendPPP, "force-rotation", err)
		}
	} else {
		b.log.Warn("no modem control channel, settling without deep reset")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.settle):
		}
	}
	if err := b.cmd(ctx, "pon", b.provider); err != nil {
		return opErr(BackendPPP, "force-rotation", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.dialWait):
	}
	return nil
}
