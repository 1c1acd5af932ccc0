// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package link

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

var errNoDeviceGateway = errors.New("no per-device gateway route")

// linkSetUp brings name administratively up.
func linkSetUp(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}

// linkSetDown sets name administratively down.
func linkSetDown(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if err := netlink.LinkSetDown(l); err != nil {
		return fmt.Errorf("set %s down: %w", name, err)
	}
	return nil
}

// deviceGateway reads the next hop of the live per-device route for
// name out of the main table. This is resolution step (a): trust what
// the kernel already learned (DHCP route, pppd-installed route) before
// any static fallback.
func deviceGateway(name string) (net.IP, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	routes, err := netlink.RouteList(l, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("routes for %s: %w", name, err)
	}
	for _, r := range routes {
		if r.Gw != nil {
			return r.Gw, nil
		}
	}
	return nil, errNoDeviceGateway
}

// pppPeer returns the point-to-point peer address of a PPP interface,
// if IPCP has assigned one.
func pppPeer(name string) (net.IP, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("addrs for %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.Peer != nil && a.Peer.IP != nil && !a.Peer.IP.Equal(a.IP) {
			return a.Peer.IP, nil
		}
	}
	return nil, fmt.Errorf("%s has no peer address", name)
}

// flushIPv4 removes all global IPv4 addresses from name. Run before a
// fresh DISCOVER so the stale lease address can't linger next to the
// new one.
func flushIPv4(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("addrs for %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.IP.IsLinkLocalUnicast() {
			continue
		}
		if err := netlink.AddrDel(l, &a); err != nil {
			return fmt.Errorf("flush %s from %s: %w", a.IP, name, err)
		}
	}
	return nil
}

// assignIPv4 replaces name's address with ip/mask.
func assignIPv4(name string, ip net.IP, mask net.IPMask) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrReplace(l, addr); err != nil {
		return fmt.Errorf("assign %s to %s: %w", ip, name, err)
	}
	return nil
}
