// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package router owns the OS-level policy routing state that steers
// proxy-marked traffic out the cellular interface: one dedicated
// routing table, one fwmark lookup rule, one owner-match mark rule,
// and one masquerade rule.
//
// Everything here is written with replace/upsert semantics. Routing
// and firewall tables are global mutable state with no transactions,
// so repairs must be idempotent: running them twice leaves exactly the
// same single rule behind. The main routing table is never written.
package router

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/link"
)

// DefaultRoute is one default route in the dedicated table, as seen by
// the route ops layer.
type DefaultRoute struct {
	Table   int
	Ifindex int
	Gw      net.IP // nil for a dev-only route
}

// Rule is one policy rule, as seen by the route ops layer.
type Rule struct {
	Priority int
	Mark     uint32
	Table    int
}

// NetlinkOps abstracts the rtnetlink calls the manager issues, so
// tests can substitute a fake table.
type NetlinkOps interface {
	// ReplaceDefaultRoute installs the default route in table,
	// overwriting any existing default there (replace, not add).
	ReplaceDefaultRoute(table, ifindex int, gw net.IP) error
	// DefaultRoutes lists the default routes currently in table.
	DefaultRoutes(table int) ([]DefaultRoute, error)
	// DeleteRoute removes one default route.
	DeleteRoute(r DefaultRoute) error
	// Rules lists all IPv4 policy rules.
	Rules() ([]Rule, error)
	// AddRule installs a fwmark lookup rule.
	AddRule(r Rule) error
	// LinkIndex resolves an interface name to its index.
	LinkIndex(name string) (int, error)
}

// reservedTable reports whether id is one of the kernel's own tables.
// Config validation rejects these too; this is the last line.
func reservedTable(id int) bool {
	switch id {
	case 0, 253, 254, 255:
		return true
	}
	return false
}

// RouteManager owns the dedicated policy-routing table and its lookup
// rule. It is the only component that writes that table, and it never
// writes any other.
type RouteManager struct {
	log       *zap.Logger
	ops       NetlinkOps
	tableID   int
	tableName string
	mark      uint32
	priority  int

	// rtTablesDir is /etc/iproute2/rt_tables.d in production;
	// tests point it at a temp dir.
	rtTablesDir string
}

// NewRouteManager returns a manager for the dedicated table.
// It refuses reserved table ids outright.
func NewRouteManager(log *zap.Logger, ops NetlinkOps, tableID int, tableName string, mark uint32, priority int) (*RouteManager, error) {
	if reservedTable(tableID) {
		return nil, fmt.Errorf("router: table %d is a kernel table, refusing to manage it", tableID)
	}
	return &RouteManager{
		log:         log.Named("router"),
		ops:         ops,
		tableID:     tableID,
		tableName:   tableName,
		mark:        mark,
		priority:    priority,
		rtTablesDir: "/etc/iproute2/rt_tables.d",
	}, nil
}

// EnsureTableRegistered idempotently registers the table id/name
// mapping so `ip route show table <name>` works for operators. The
// kernel itself only needs the numeric id.
func (m *RouteManager) EnsureTableRegistered() error {
	path := filepath.Join(m.rtTablesDir, "uplinkd.conf")
	want := fmt.Sprintf("%d %s\n", m.tableID, m.tableName)
	if cur, err := os.ReadFile(path); err == nil && string(cur) == want {
		return nil
	}
	if err := os.MkdirAll(m.rtTablesDir, 0o755); err != nil {
		return fmt.Errorf("router: creating %s: %w", m.rtTablesDir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(want), 0o644); err != nil {
		return fmt.Errorf("router: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("router: installing %s: %w", path, err)
	}
	m.log.Info("routing table registered",
		zap.Int("table", m.tableID), zap.String("name", m.tableName))
	return nil
}

// RepairDefaultRoute writes the correct default route for sess into
// the dedicated table, replacing whatever is there. Route shape:
// via-gateway when one is resolved, dev-only when the session routes
// direct (PPP point-to-point, on-link default).
//
// The session's gateway must be resolved before this is called.
func (m *RouteManager) RepairDefaultRoute(sess *link.Session) error {
	if reservedTable(m.tableID) {
		return fmt.Errorf("router: refusing write to kernel table %d", m.tableID)
	}
	if sess.Gateway == nil {
		return fmt.Errorf("router: session for %s has no resolved gateway", sess.Interface)
	}

	idx := sess.Ifindex
	if idx == 0 {
		var err error
		idx, err = m.ops.LinkIndex(sess.Interface)
		if err != nil {
			return fmt.Errorf("router: resolving %s: %w", sess.Interface, err)
		}
	}

	var gw net.IP
	if !sess.Gateway.Direct {
		gw = sess.Gateway.IP
	}

	// Replace handles the common path; stale defaults left by an
	// interface rename (different ifindex, same table) are swept
	// explicitly so exactly one remains.
	existing, err := m.ops.DefaultRoutes(m.tableID)
	if err != nil {
		return fmt.Errorf("router: listing table %d: %w", m.tableID, err)
	}
	for _, r := range existing {
		if r.Ifindex != idx {
			if err := m.ops.DeleteRoute(r); err != nil {
				return fmt.Errorf("router: removing stale route via ifindex %d: %w", r.Ifindex, err)
			}
			m.log.Info("removed stale default route",
				zap.Int("table", m.tableID), zap.Int("ifindex", r.Ifindex))
		}
	}

	if err := m.ops.ReplaceDefaultRoute(m.tableID, idx, gw); err != nil {
		return fmt.Errorf("router: replacing default in table %d: %w", m.tableID, err)
	}
	m.log.Debug("default route repaired",
		zap.Int("table", m.tableID),
		zap.String("iface", sess.Interface),
		zap.String("via", sess.Gateway.String()))
	return nil
}

// HasRoute reports whether the dedicated table currently holds a
// default route. The supervisor uses this to catch silent route loss
// (interface flap clearing the table without any session state change).
func (m *RouteManager) HasRoute() (bool, error) {
	routes, err := m.ops.DefaultRoutes(m.tableID)
	if err != nil {
		return false, fmt.Errorf("router: listing table %d: %w", m.tableID, err)
	}
	return len(routes) > 0, nil
}

// EnsurePolicyRule idempotently installs the fwmark→table lookup rule.
// Presence is checked first; duplicate inserts are no-ops rather than
// caught errors.
func (m *RouteManager) EnsurePolicyRule() error {
	rules, err := m.ops.Rules()
	if err != nil {
		return fmt.Errorf("router: listing rules: %w", err)
	}
	for _, r := range rules {
		if r.Mark == m.mark && r.Table == m.tableID {
			return nil
		}
	}
	rule := Rule{Priority: m.priority, Mark: m.mark, Table: m.tableID}
	if err := m.ops.AddRule(rule); err != nil {
		return fmt.Errorf("router: adding fwmark rule: %w", err)
	}
	m.log.Info("policy rule installed",
		zap.Uint32("fwmark", m.mark),
		zap.Int("table", m.tableID),
		zap.Int("priority", m.priority))
	return nil
}
