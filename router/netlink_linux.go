// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package router

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// netlinkOps is the production NetlinkOps over rtnetlink.
type netlinkOps struct{}

// NewNetlinkOps returns the real rtnetlink implementation.
func NewNetlinkOps() NetlinkOps { return netlinkOps{} }

func (netlinkOps) ReplaceDefaultRoute(table, ifindex int, gw net.IP) error {
	route := &netlink.Route{
		LinkIndex: ifindex,
		Table:     table,
		Gw:        gw,
		Dst:       nil, // default
	}
	return netlink.RouteReplace(route)
}

func (netlinkOps) DefaultRoutes(table int) ([]DefaultRoute, error) {
	filter := &netlink.Route{Table: table}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}
	var out []DefaultRoute
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		out = append(out, DefaultRoute{
			Table:   r.Table,
			Ifindex: r.LinkIndex,
			Gw:      r.Gw,
		})
	}
	return out, nil
}

func (netlinkOps) DeleteRoute(r DefaultRoute) error {
	return netlink.RouteDel(&netlink.Route{
		LinkIndex: r.Ifindex,
		Table:     r.Table,
		Gw:        r.Gw,
		Dst:       nil,
	})
}

func (netlinkOps) Rules() ([]Rule, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{
			Priority: r.Priority,
			Mark:     r.Mark,
			Table:    r.Table,
		})
	}
	return out, nil
}

func (netlinkOps) AddRule(r Rule) error {
	rule := netlink.NewRule()
	rule.Priority = r.Priority
	rule.Mark = r.Mark
	rule.Table = r.Table
	return netlink.RuleAdd(rule)
}

func (netlinkOps) LinkIndex(name string) (int, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("link %s: %w", name, err)
	}
	return l.Attrs().Index, nil
}
