// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package ifscan

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkLister enumerates interfaces via rtnetlink. Loopback is
// skipped; everything else is reported with its admin state and
// whether a global IPv4 address is assigned.
func NetlinkLister() ([]Iface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("ifscan: listing links: %w", err)
	}

	out := make([]Iface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("ifscan: listing %s addresses: %w", attrs.Name, err)
		}
		hasV4 := false
		for _, a := range addrs {
			if a.IP != nil && !a.IP.IsLinkLocalUnicast() {
				hasV4 = true
				break
			}
		}
		out = append(out, Iface{
			Name:    attrs.Name,
			Index:   attrs.Index,
			AdminUp: attrs.Flags&net.FlagUp != 0,
			HasIPv4: hasV4,
		})
	}
	return out, nil
}
