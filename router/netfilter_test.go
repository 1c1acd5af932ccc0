// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeIPT stores rules as joined specs per table/chain, mimicking the
// order-preserving list semantics of iptables.
type fakeIPT struct {
	chains map[string][]string
}

func newFakeIPT() *fakeIPT {
	return &fakeIPT{chains: map[string][]string{}}
}

func key(table, chain string) string { return table + "/" + chain }

func (f *fakeIPT) Exists(table, chain string, rulespec ...string) (bool, error) {
	spec := strings.Join(rulespec, " ")
	for _, r := range f.chains[key(table, chain)] {
		if r == spec {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIPT) Append(table, chain string, rulespec ...string) error {
	k := key(table, chain)
	f.chains[k] = append(f.chains[k], strings.Join(rulespec, " "))
	return nil
}

func (f *fakeIPT) Delete(table, chain string, rulespec ...string) error {
	k := key(table, chain)
	spec := strings.Join(rulespec, " ")
	for i, r := range f.chains[k] {
		if r == spec {
			f.chains[k] = append(f.chains[k][:i], f.chains[k][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such rule: %s", spec)
}

func (f *fakeIPT) List(table, chain string) ([]string, error) {
	out := []string{"-P " + chain + " ACCEPT"}
	for _, r := range f.chains[key(table, chain)] {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

func newTestFirewall(t *testing.T) (*FirewallManager, *fakeIPT) {
	t.Helper()
	ipt := newFakeIPT()
	return NewFirewallManager(zaptest.NewLogger(t), ipt, 0x1), ipt
}

func TestEnsureMarkRuleExactlyOne(t *testing.T) {
	fw, ipt := newTestFirewall(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, fw.EnsureMarkRule("proxy"))
	}
	rules := ipt.chains[key("mangle", "OUTPUT")]
	require.Len(t, rules, 1)
	assert.Contains(t, rules[0], "--uid-owner proxy")
	assert.Contains(t, rules[0], "--set-mark 0x1")
}

func TestEnsureMarkRuleCollapsesDuplicates(t *testing.T) {
	fw, ipt := newTestFirewall(t)
	// Two leftover copies from crashed repair cycles.
	spec := strings.Join(fw.markRuleSpec("proxy"), " ")
	k := key("mangle", "OUTPUT")
	ipt.chains[k] = []string{spec, spec}

	require.NoError(t, fw.EnsureMarkRule("proxy"))
	assert.Len(t, ipt.chains[k], 1)
}

func TestEnsureMarkRuleRefusesRoot(t *testing.T) {
	fw, ipt := newTestFirewall(t)
	assert.Error(t, fw.EnsureMarkRule("root"))
	assert.Error(t, fw.EnsureMarkRule("0"))
	assert.Empty(t, ipt.chains[key("mangle", "OUTPUT")])
}

func TestEnsureNATRuleIdempotent(t *testing.T) {
	fw, ipt := newTestFirewall(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, fw.EnsureNATRule("enx0"))
	}
	rules := ipt.chains[key("nat", "POSTROUTING")]
	require.Len(t, rules, 1)
	assert.Contains(t, rules[0], "-o enx0")
}

func TestEnsureNATRuleSweepsRenamedInterface(t *testing.T) {
	fw, ipt := newTestFirewall(t)

	require.NoError(t, fw.EnsureNATRule("enxOLD"))
	// Modem re-enumerated under a new name.
	require.NoError(t, fw.EnsureNATRule("enxNEW"))

	rules := ipt.chains[key("nat", "POSTROUTING")]
	require.Len(t, rules, 1)
	assert.Contains(t, rules[0], "-o enxNEW")
}

func TestEnsureNATRuleKeepsForeignMasquerade(t *testing.T) {
	fw, ipt := newTestFirewall(t)
	// Someone else's masquerade rule, no uplinkd comment.
	k := key("nat", "POSTROUTING")
	ipt.chains[k] = []string{"-o eth0 -j MASQUERADE"}

	require.NoError(t, fw.EnsureNATRule("enx0"))
	require.Len(t, ipt.chains[k], 2)
	assert.Equal(t, "-o eth0 -j MASQUERADE", ipt.chains[k][0])
}

func TestCleanup(t *testing.T) {
	fw, ipt := newTestFirewall(t)
	require.NoError(t, fw.EnsureMarkRule("proxy"))
	require.NoError(t, fw.EnsureNATRule("enx0"))

	require.NoError(t, fw.Cleanup("proxy", "enx0"))
	assert.Empty(t, ipt.chains[key("mangle", "OUTPUT")])
	assert.Empty(t, ipt.chains[key("nat", "POSTROUTING")])
}

func TestParseManagedMasquerade(t *testing.T) {
	iface, ok := parseManagedMasquerade(
		`-A POSTROUTING -o enx001122334455 -m comment --comment uplinkd -j MASQUERADE`)
	require.True(t, ok)
	assert.Equal(t, "enx001122334455", iface)

	_, ok = parseManagedMasquerade(`-A POSTROUTING -o eth0 -j MASQUERADE`)
	assert.False(t, ok)

	_, ok = parseManagedMasquerade(`-A POSTROUTING -o eth0 -m comment --comment uplinkd -j SNAT --to 1.2.3.4`)
	assert.False(t, ok)
}
