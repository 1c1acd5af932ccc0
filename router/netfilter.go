// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ruleComment tags every netfilter rule this daemon owns, so stale
// ones can be recognized and swept after interface-name churn.
const ruleComment = "uplinkd"

// IPTables is the subset of go-iptables this package uses; tests
// substitute a fake.
type IPTables interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// FirewallManager owns the owner-match mark rule and the masquerade
// rule. Exactly one of each exists at any time; repair cycles
// delete-then-reinsert rather than append, so repeated repairs cannot
// accumulate rules.
type FirewallManager struct {
	log  *zap.Logger
	ipt  IPTables
	mark uint32
}

// NewFirewallManager returns a manager applying mark to proxy-owned
// egress traffic.
func NewFirewallManager(log *zap.Logger, ipt IPTables, mark uint32) *FirewallManager {
	return &FirewallManager{log: log.Named("netfilter"), ipt: ipt, mark: mark}
}

func (m *FirewallManager) markString() string {
	return fmt.Sprintf("0x%x", m.mark)
}

func (m *FirewallManager) markRuleSpec(user string) []string {
	return []string{
		"-m", "owner", "--uid-owner", user,
		"-m", "comment", "--comment", ruleComment,
		"-j", "MARK", "--set-mark", m.markString(),
	}
}

// EnsureMarkRule guarantees exactly one mangle/OUTPUT rule marking
// user's egress traffic. The administrative identity is refused
// outright: marking all root-originated traffic would divert the
// management SSH session along with the proxy's.
func (m *FirewallManager) EnsureMarkRule(user string) error {
	if user == "root" || user == "0" {
		return fmt.Errorf("netfilter: refusing to mark administrative identity %q", user)
	}

	spec := m.markRuleSpec(user)
	// Delete every existing copy first; blind appends across repair
	// cycles are how rule accumulation starts.
	for {
		exists, err := m.ipt.Exists("mangle", "OUTPUT", spec...)
		if err != nil {
			return fmt.Errorf("netfilter: checking mark rule: %w", err)
		}
		if !exists {
			break
		}
		if err := m.ipt.Delete("mangle", "OUTPUT", spec...); err != nil {
			return fmt.Errorf("netfilter: deleting mark rule: %w", err)
		}
	}
	if err := m.ipt.Append("mangle", "OUTPUT", spec...); err != nil {
		return fmt.Errorf("netfilter: adding mark rule: %w", err)
	}
	m.log.Debug("mark rule ensured",
		zap.String("user", user), zap.String("mark", m.markString()))
	return nil
}

func natRuleSpec(iface string) []string {
	return []string{
		"-o", iface,
		"-m", "comment", "--comment", ruleComment,
		"-j", "MASQUERADE",
	}
}

// EnsureNATRule guarantees exactly one masquerade rule, scoped to
// iface. Masquerade rules this daemon installed for other interface
// names (modem re-enumeration, SIM swap) are removed first.
func (m *FirewallManager) EnsureNATRule(iface string) error {
	rules, err := m.ipt.List("nat", "POSTROUTING")
	if err != nil {
		return fmt.Errorf("netfilter: listing nat/POSTROUTING: %w", err)
	}
	for _, rule := range rules {
		old, ok := parseManagedMasquerade(rule)
		if !ok || old == iface {
			continue
		}
		if err := m.ipt.Delete("nat", "POSTROUTING", natRuleSpec(old)...); err != nil {
			return fmt.Errorf("netfilter: deleting stale masquerade for %s: %w", old, err)
		}
		m.log.Info("removed stale masquerade rule", zap.String("iface", old))
	}

	spec := natRuleSpec(iface)
	exists, err := m.ipt.Exists("nat", "POSTROUTING", spec...)
	if err != nil {
		return fmt.Errorf("netfilter: checking masquerade rule: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.ipt.Append("nat", "POSTROUTING", spec...); err != nil {
		return fmt.Errorf("netfilter: adding masquerade rule: %w", err)
	}
	m.log.Info("masquerade rule installed", zap.String("iface", iface))
	return nil
}

// Cleanup removes the rules this daemon owns. Used on shutdown when
// the operator asks for a clean exit; by default rules are left in
// place so proxy traffic keeps flowing across a daemon restart.
func (m *FirewallManager) Cleanup(user, iface string) error {
	var firstErr error
	spec := m.markRuleSpec(user)
	for {
		exists, err := m.ipt.Exists("mangle", "OUTPUT", spec...)
		if err != nil || !exists {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			break
		}
		if err := m.ipt.Delete("mangle", "OUTPUT", spec...); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
	}
	if iface != "" {
		nat := natRuleSpec(iface)
		if exists, err := m.ipt.Exists("nat", "POSTROUTING", nat...); err == nil && exists {
			if err := m.ipt.Delete("nat", "POSTROUTING", nat...); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// parseManagedMasquerade extracts the output interface from an
// iptables -S line if it is one of ours, e.g.
// "-A POSTROUTING -o enx001122334455 -m comment --comment uplinkd -j MASQUERADE".
func parseManagedMasquerade(rule string) (iface string, ok bool) {
	if !strings.Contains(rule, "-j MASQUERADE") {
		return "", false
	}
	if !strings.Contains(rule, "--comment "+ruleComment) &&
		!strings.Contains(rule, `--comment "`+ruleComment+`"`) {
		return "", false
	}
	fields := strings.Fields(rule)
	for i, f := range fields {
		if f == "-o" && i+1 < len(fields) {
			return fields[i+1], true
		}
	}
	return "", false
}
