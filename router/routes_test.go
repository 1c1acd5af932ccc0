// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uplinkd/uplinkd/link"
)

// fakeNetlink is an in-memory routing table keyed by table id.
type fakeNetlink struct {
	routes map[int][]DefaultRoute
	rules  []Rule
	links  map[string]int

	writtenTables map[int]bool // every table id any write touched
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{
		routes:        map[int][]DefaultRoute{},
		links:         map[string]int{},
		writtenTables: map[int]bool{},
	}
}

func (f *fakeNetlink) ReplaceDefaultRoute(table, ifindex int, gw net.IP) error {
	f.writtenTables[table] = true
	kept := f.routes[table][:0]
	for _, r := range f.routes[table] {
		if r.Ifindex != ifindex {
			kept = append(kept, r)
		}
	}
	f.routes[table] = append(kept, DefaultRoute{Table: table, Ifindex: ifindex, Gw: gw})
	return nil
}

func (f *fakeNetlink) DefaultRoutes(table int) ([]DefaultRoute, error) {
	return append([]DefaultRoute(nil), f.routes[table]...), nil
}

func (f *fakeNetlink) DeleteRoute(r DefaultRoute) error {
	f.writtenTables[r.Table] = true
	kept := f.routes[r.Table][:0]
	for _, have := range f.routes[r.Table] {
		if have.Ifindex != r.Ifindex {
			kept = append(kept, have)
		}
	}
	f.routes[r.Table] = kept
	return nil
}

func (f *fakeNetlink) Rules() ([]Rule, error) {
	return append([]Rule(nil), f.rules...), nil
}

func (f *fakeNetlink) AddRule(r Rule) error {
	f.rules = append(f.rules, r)
	return nil
}

func (f *fakeNetlink) LinkIndex(name string) (int, error) {
	return f.links[name], nil
}

func newTestManager(t *testing.T, ops NetlinkOps) *RouteManager {
	t.Helper()
	m, err := NewRouteManager(zaptest.NewLogger(t), ops, 101, "cellular", 0x1, 1001)
	require.NoError(t, err)
	m.rtTablesDir = t.TempDir()
	return m
}

func sess(iface string, idx int, gw *link.Gateway) *link.Session {
	return &link.Session{Interface: iface, Ifindex: idx, Gateway: gw}
}

func TestNewRouteManagerRefusesKernelTables(t *testing.T) {
	for _, id := range []int{0, 253, 254, 255} {
		_, err := NewRouteManager(zaptest.NewLogger(t), newFakeNetlink(), id, "x", 0x1, 1001)
		assert.Error(t, err, "table %d", id)
	}
}

func TestRepairRefusesKernelTableEvenIfConstructed(t *testing.T) {
	// Belt and suspenders: the constructor refuses kernel tables, but
	// the write path re-checks in case a manager is built another way.
	m := &RouteManager{log: zaptest.NewLogger(t), ops: newFakeNetlink(), tableID: 254}
	assert.Error(t, m.RepairDefaultRoute(sess("enx0", 4, &link.Gateway{Direct: true})))
}

func TestRepairDefaultRouteIdempotent(t *testing.T) {
	nl := newFakeNetlink()
	m := newTestManager(t, nl)
	gw := &link.Gateway{IP: net.IPv4(192, 168, 225, 1)}

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RepairDefaultRoute(sess("enx0", 4, gw)))
	}
	require.Len(t, nl.routes[101], 1)
	assert.Equal(t, 4, nl.routes[101][0].Ifindex)
	assert.True(t, nl.routes[101][0].Gw.Equal(gw.IP))
}

func TestRepairDefaultRouteSweepsStaleInterface(t *testing.T) {
	nl := newFakeNetlink()
	m := newTestManager(t, nl)
	gw := &link.Gateway{IP: net.IPv4(192, 168, 225, 1)}

	// Modem re-enumerated: old route via ifindex 4, new candidate is 9.
	require.NoError(t, m.RepairDefaultRoute(sess("enxOLD", 4, gw)))
	require.NoError(t, m.RepairDefaultRoute(sess("enxNEW", 9, gw)))

	require.Len(t, nl.routes[101], 1)
	assert.Equal(t, 9, nl.routes[101][0].Ifindex)
}

func TestRepairDefaultRouteDirectGateway(t *testing.T) {
	nl := newFakeNetlink()
	m := newTestManager(t, nl)

	require.NoError(t, m.RepairDefaultRoute(sess("ppp0", 7, &link.Gateway{Direct: true})))
	require.Len(t, nl.routes[101], 1)
	assert.Nil(t, nl.routes[101][0].Gw, "direct session installs a dev-only route")
}

func TestRepairDefaultRouteRequiresGateway(t *testing.T) {
	m := newTestManager(t, newFakeNetlink())
	assert.Error(t, m.RepairDefaultRoute(sess("enx0", 4, nil)))
}

func TestRepairDefaultRouteResolvesIfindex(t *testing.T) {
	nl := newFakeNetlink()
	nl.links["enx0"] = 12
	m := newTestManager(t, nl)

	require.NoError(t, m.RepairDefaultRoute(sess("enx0", 0, &link.Gateway{Direct: true})))
	require.Len(t, nl.routes[101], 1)
	assert.Equal(t, 12, nl.routes[101][0].Ifindex)
}

func TestOnlyDedicatedTableTouched(t *testing.T) {
	nl := newFakeNetlink()
	// Pre-existing host routes: main table default via eth0.
	nl.routes[254] = []DefaultRoute{{Table: 254, Ifindex: 2, Gw: net.IPv4(10, 0, 0, 1)}}
	m := newTestManager(t, nl)

	require.NoError(t, m.RepairDefaultRoute(sess("enx0", 4, &link.Gateway{Direct: true})))
	require.NoError(t, m.EnsurePolicyRule())

	assert.Equal(t, map[int]bool{101: true}, nl.writtenTables)
	assert.Equal(t, 2, nl.routes[254][0].Ifindex, "main table untouched")
}

func TestHasRoute(t *testing.T) {
	nl := newFakeNetlink()
	m := newTestManager(t, nl)

	has, err := m.HasRoute()
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, m.RepairDefaultRoute(sess("enx0", 4, &link.Gateway{Direct: true})))
	has, err = m.HasRoute()
	require.NoError(t, err)
	assert.True(t, has)

	// Silent route loss: table cleared behind our back.
	nl.routes[101] = nil
	has, err = m.HasRoute()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEnsurePolicyRuleIdempotent(t *testing.T) {
	nl := newFakeNetlink()
	m := newTestManager(t, nl)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.EnsurePolicyRule())
	}
	require.Len(t, nl.rules, 1)
	assert.Equal(t, Rule{Priority: 1001, Mark: 0x1, Table: 101}, nl.rules[0])
}

func TestEnsurePolicyRuleKeepsForeignRules(t *testing.T) {
	nl := newFakeNetlink()
	nl.rules = []Rule{{Priority: 100, Mark: 0x80, Table: 52}}
	m := newTestManager(t, nl)

	require.NoError(t, m.EnsurePolicyRule())
	require.Len(t, nl.rules, 2)
	assert.Equal(t, Rule{Priority: 100, Mark: 0x80, Table: 52}, nl.rules[0])
}

func TestEnsureTableRegistered(t *testing.T) {
	m := newTestManager(t, newFakeNetlink())

	require.NoError(t, m.EnsureTableRegistered())
	// Second run is a no-op, not an error.
	require.NoError(t, m.EnsureTableRegistered())

	data, err := os.ReadFile(filepath.Join(m.rtTablesDir, "uplinkd.conf"))
	require.NoError(t, err)
	assert.Equal(t, "101 cellular\n", string(data))
}
