// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/ifscan"
)

// DHCPBackend drives USB-ethernet (RNDIS/CDC) modems whose data link is
// an ethernet device with a DHCP server on the modem side.
type DHCPBackend struct {
	log             *zap.Logger
	timeout         time.Duration
	fallbackGateway net.IP
	modem           ModemControl
	settle          time.Duration
	probe           ProbeFunc
	attempts        int
	backoff         time.Duration

	mu        sync.Mutex
	lease     *nclient4.Lease
	leaseIf   string
	routerOpt net.IP
}

// DHCPOptions configures a DHCPBackend.
type DHCPOptions struct {
	Timeout         time.Duration
	FallbackGateway net.IP        // last resort, vendor RNDIS default
	Modem           ModemControl  // nil disables deep resets
	Settle          time.Duration // carrier settle wait for deep resets
	Probe           ProbeFunc
	RetryAttempts   int
	RetryBackoff    time.Duration
}

// NewDHCPBackend returns a DHCP-kind backend.
func NewDHCPBackend(log *zap.Logger, opts DHCPOptions) *DHCPBackend {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	return &DHCPBackend{
		log:             log.Named("dhcp"),
		timeout:         opts.Timeout,
		fallbackGateway: opts.FallbackGateway,
		modem:           opts.Modem,
		settle:          opts.Settle,
		probe:           opts.Probe,
		attempts:        opts.RetryAttempts,
		backoff:         opts.RetryBackoff,
	}
}

func (b *DHCPBackend) Kind() BackendKind { return BackendDHCP }

// BringUp sets the interface up and, when it carries no address yet,
// runs a full DHCP conversation.
func (b *DHCPBackend) BringUp(ctx context.Context, c *ifscan.Candidate) error {
	err := retry(ctx, b.log, "bring-up", b.attempts, b.backoff, func() error {
		if err := linkSetUp(c.Name); err != nil {
			return err
		}
		if c.HasIPv4 {
			return nil
		}
		return b.acquire(ctx, c.Name)
	})
	return opErr(BackendDHCP, "bring-up", err)
}

// acquire runs DISCOVER/OFFER/REQUEST/ACK on iface and installs the
// resulting address. Always a fresh transaction, never a lease renew.
func (b *DHCPBackend) acquire(ctx context.Context, iface string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	client, err := nclient4.New(iface)
	if err != nil {
		return fmt.Errorf("dhcp client on %s: %w", iface, err)
	}
	defer client.Close()

	lease, err := client.Request(ctx)
	if err != nil {
		return fmt.Errorf("dhcp request on %s: %w", iface, err)
	}

	ack := lease.ACK
	ip := ack.YourIPAddr
	mask := ack.SubnetMask()
	if mask == nil {
		mask = ip.DefaultMask()
	}
	if err := assignIPv4(iface, ip, mask); err != nil {
		return err
	}

	var router net.IP
	if routers := ack.Router(); len(routers) > 0 {
		router = routers[0]
	}

	b.mu.Lock()
	b.lease = lease
	b.leaseIf = iface
	b.routerOpt = router
	b.mu.Unlock()

	b.log.Info("lease acquired",
		zap.String("iface", iface),
		zap.String("addr", ip.String()),
		zap.String("router", router.String()))
	return nil
}

// ResolveGateway tries the live per-device route, then the router
// option from the current lease, then the configured vendor fallback,
// and finally probe-based direct detection.
func (b *DHCPBackend) ResolveGateway(ctx context.Context, sess *Session) (Gateway, error) {
	if gw, err := deviceGateway(sess.Interface); err == nil {
		return Gateway{IP: gw}, nil
	}

	b.mu.Lock()
	router := b.routerOpt
	b.mu.Unlock()
	if router != nil {
		return Gateway{IP: router}, nil
	}

	if b.fallbackGateway != nil {
		b.log.Warn("no live gateway, using vendor fallback",
			zap.String("iface", sess.Interface),
			zap.String("gateway", b.fallbackGateway.String()))
		return Gateway{IP: b.fallbackGateway}, nil
	}

	if b.probe != nil && b.probe(ctx, sess.Interface) {
		return Gateway{Direct: true}, nil
	}
	return Gateway{}, opErr(BackendDHCP, "resolve-gateway",
		fmt.Errorf("no gateway for %s: no device route, no router option, no fallback, not direct-routable", sess.Interface))
}

// RenewAddress releases the held lease, flushes the stale address, and
// starts a fresh DISCOVER-class acquisition.
func (b *DHCPBackend) RenewAddress(ctx context.Context, sess *Session) error {
	err := retry(ctx, b.log, "renew-address", b.attempts, b.backoff, func() error {
		b.releaseLease(sess.Interface)
		if err := flushIPv4(sess.Interface); err != nil {
			return err
		}
		return b.acquire(ctx, sess.Interface)
	})
	return opErr(BackendDHCP, "renew-address", err)
}

// TearDown releases the lease, flushes addresses, and downs the link.
func (b *DHCPBackend) TearDown(ctx context.Context, sess *Session) error {
	b.releaseLease(sess.Interface)
	if err := flushIPv4(sess.Interface); err != nil {
		return opErr(BackendDHCP, "tear-down", err)
	}
	if err := linkSetDown(sess.Interface); err != nil {
		return opErr(BackendDHCP, "tear-down", err)
	}
	return nil
}

// ForceRotation detaches the modem from the carrier's packet network,
// waits out the settle period, reattaches, and re-acquires a lease.
// Without a modem control channel it degrades to a link bounce plus
// fresh DISCOVER, which only rotates if the carrier is generous.
func (b *DHCPBackend) ForceRotation(ctx context.Context, sess *Session) error {
	b.releaseLease(sess.Interface)
	if err := flushIPv4(sess.Interface); err != nil {
		return opErr(BackendDHCP, "force-rotation", err)
	}

	if b.modem != nil {
		if err := b.modem.DeepReset(ctx, b.settle); err != nil {
			return opErr(BackendDHCP, "force-rotation", err)
		}
	} else {
		b.log.Warn("no modem control channel, falling back to link bounce")
		if err := linkSetDown(sess.Interface); err != nil {
			return opErr(BackendDHCP, "force-rotation", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.settle):
		}
		if err := linkSetUp(sess.Interface); err != nil {
			return opErr(BackendDHCP, "force-rotation", err)
		}
	}

	return b.RenewAddress(ctx, sess)
}

// releaseLease tells the modem-side DHCP server we are done with the
// current address. Best effort: a dead link during rotation is normal.
func (b *DHCPBackend) releaseLease(iface string) {
	b.mu.Lock()
	lease := b.lease
	leaseIf := b.leaseIf
	b.lease = nil
	b.leaseIf = ""
	b.routerOpt = nil
	b.mu.Unlock()

	if lease == nil || leaseIf != iface {
		return
	}
	client, err := nclient4.New(iface)
	if err != nil {
		b.log.Debug("release skipped", zap.Error(err))
		return
	}
	defer client.Close()
	if err := client.Release(lease); err != nil {
		b.log.Debug("release failed", zap.Error(err))
	}
}
