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

// VendorBackend shells out to a vendor connection-manager CLI (mmcli,
// qmicli, carrier tooling) through configured argv templates. The
// placeholder {iface} in a template is replaced with the session's
// interface name.
type VendorBackend struct {
	log      *zap.Logger
	up       []string
	down     []string
	renew    []string
	reset    []string
	settle   time.Duration
	probe    ProbeFunc
	attempts int
	backoff  time.Duration
}

// VendorOptions configures a VendorBackend.
type VendorOptions struct {
	Up, Down, Renew, Reset []string
	Settle                 time.Duration
	Probe                  ProbeFunc
	RetryAttempts          int
	RetryBackoff           time.Duration
}

// NewVendorBackend returns a vendor-CLI backend.
func NewVendorBackend(log *zap.Logger, opts VendorOptions) *VendorBackend {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	return &VendorBackend{
		log:      log.Named("vendor"),
		up:       opts.Up,
		down:     opts.Down,
		renew:    opts.Renew,
		reset:    opts.Reset,
		settle:   opts.Settle,
		probe:    opts.Probe,
		attempts: opts.RetryAttempts,
		backoff:  opts.RetryBackoff,
	}
}

func (b *VendorBackend) Kind() BackendKind { return BackendVendor }

func (b *VendorBackend) run(ctx context.Context, template []string, iface string) error {
	if len(template) == 0 {
		return fmt.Errorf("no vendor command configured")
	}
	argv := make([]string, len(template))
	for i, a := range template {
		argv[i] = strings.ReplaceAll(a, "{iface}", iface)
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %q failed: %v\n%s", strings.Join(argv, " "), err, out)
	}
	return nil
}

func (b *VendorBackend) BringUp(ctx context.Context, c *ifscan.Candidate) error {
	err := retry(ctx, b.log, "bring-up", b.attempts, b.backoff, func() error {
		return b.run(ctx, b.up, c.Name)
	})
	return opErr(BackendVendor, "bring-up", err)
}

// ResolveGateway trusts the route the vendor tool installed, falling
// back to probe-detected direct routing.
func (b *VendorBackend) ResolveGateway(ctx context.Context, sess *Session) (Gateway, error) {
	if gw, err := deviceGateway(sess.Interface); err == nil {
		return Gateway{IP: gw}, nil
	}
	if b.probe != nil && b.probe(ctx, sess.Interface) {
		return Gateway{Direct: true}, nil
	}
	return Gateway{}, opErr(BackendVendor, "resolve-gateway",
		fmt.Errorf("no gateway for %s", sess.Interface))
}

func (b *VendorBackend) RenewAddress(ctx context.Context, sess *Session) error {
	err := retry(ctx, b.log, "renew-address", b.attempts, b.backoff, func() error {
		return b.run(ctx, b.renew, sess.Interface)
	})
	return opErr(BackendVendor, "renew-address", err)
}

func (b *VendorBackend) TearDown(ctx context.Context, sess *Session) error {
	return opErr(BackendVendor, "tear-down", b.run(ctx, b.down, sess.Interface))
}

// ForceRotation runs the vendor reset command, then waits out the
// settle period before the renew on the assumption the tool returns as
// soon as it has issued the detach.
func (b *VendorBackend) ForceRotation(ctx context.Context, sess *Session) error {
	if err := b.run(ctx, b.reset, sess.Interface); err != nil {
		return opErr(BackendVendor, "force-rotation", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.settle):
	}
	return b.RenewAddress(ctx, sess)
}
