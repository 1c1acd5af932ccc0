// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package probe verifies end-to-end reachability through a specific
// interface using ICMP echo.
//
// Binding the socket to the interface is mandatory: without it the
// probe would ride the host's default route and a healthy management
// LAN would mask a dead cellular link.
package probe

import (
	"context"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Prober sends interface-bound echo requests to a fixed target set.
type Prober struct {
	log     *zap.Logger
	targets []net.IP
	timeout time.Duration
}

// New returns a Prober for targets (well-known public resolvers).
// timeout bounds the whole probe pass across all targets.
func New(log *zap.Logger, targets []string, timeout time.Duration) *Prober {
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	ips := make([]net.IP, 0, len(targets))
	for _, t := range targets {
		if ip := net.ParseIP(t); ip != nil && ip.To4() != nil {
			ips = append(ips, ip.To4())
		}
	}
	return &Prober{log: log.Named("probe"), targets: ips, timeout: timeout}
}

// Probe reports whether any target answers an echo request sent out of
// iface. Targets are tried in order; the first reply wins.
func (p *Prober) Probe(ctx context.Context, iface string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, target := range p.targets {
		if ctx.Err() != nil {
			return false
		}
		if p.ping(ctx, iface, target) {
			return true
		}
	}
	return false
}

func (p *Prober) ping(ctx context.Context, iface string, target net.IP) bool {
	conn, err := listenICMP(ctx, iface)
	if err != nil {
		p.log.Debug("icmp listen failed",
			zap.String("iface", iface), zap.Error(err))
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	id := os.Getpid() & 0xffff
	seq := int(time.Now().UnixNano() & 0xffff)
	echo := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte("uplinkd reachability probe"),
		},
	}
	wire, err := echo.Marshal(nil)
	if err != nil {
		return false
	}
	if _, err := conn.WriteTo(wire, &net.IPAddr{IP: target}); err != nil {
		p.log.Debug("echo send failed",
			zap.String("iface", iface),
			zap.String("target", target.String()),
			zap.Error(err))
		return false
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		msg, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil {
			continue
		}
		body, ok := msg.Body.(*icmp.Echo)
		if !ok || msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// Stray replies from other pingers share the raw socket.
		if body.ID != id || body.Seq != seq {
			continue
		}
		p.log.Debug("echo reply",
			zap.String("iface", iface),
			zap.String("target", target.String()),
			zap.String("peer", peer.String()))
		return true
	}
}
