// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package ifscan enumerates host network interfaces and picks the one
// that represents the cellular modem's data link.
//
// Classification is by naming pattern, in a fixed priority order: an
// established PPP session wins outright (it was dialed by us, so it is
// unambiguous), then wwan-style modem interfaces, then USB-ethernet
// (RNDIS) interfaces, then configured secondary ethernets. The primary
// LAN/Wi-Fi names are excluded verbatim no matter what they look like.
//
// Interface names are not stable: USB re-enumeration after a modem
// power-cycle can hand back a different enx... name, so callers must
// rescan every poll cycle rather than cache the result.
package ifscan

import (
	"errors"
	"strings"
)

// Kind classifies a candidate interface.
type Kind int

const (
	KindPPP Kind = iota
	KindUSBEthernet
	KindSecondaryEthernet
)

func (k Kind) String() string {
	switch k {
	case KindPPP:
		return "ppp"
	case KindUSBEthernet:
		return "usb-ethernet"
	case KindSecondaryEthernet:
		return "secondary-ethernet"
	default:
		return "unknown"
	}
}

// Candidate is a snapshot of one interface at scan time. It is
// recomputed every cycle and never persisted.
type Candidate struct {
	Name    string
	Index   int
	Kind    Kind
	AdminUp bool
	HasIPv4 bool
}

// Iface is the scanner's view of one live interface, produced by a
// Lister. Tests feed synthetic slices; production uses netlink.
type Iface struct {
	Name    string
	Index   int
	AdminUp bool
	HasIPv4 bool
}

// Lister enumerates live interfaces.
type Lister func() ([]Iface, error)

// ErrNoCandidate is returned when no interface matches any cellular
// pattern. Recoverable: the caller waits and rescans.
var ErrNoCandidate = errors.New("ifscan: no cellular interface candidate")

// Scanner detects the active cellular interface.
type Scanner struct {
	list      Lister
	primary   map[string]bool
	secondary []string
}

// New returns a Scanner using list for enumeration. primary names are
// permanently excluded from candidacy; secondary names are matched last.
func New(list Lister, primary, secondary []string) *Scanner {
	excl := make(map[string]bool, len(primary))
	for _, p := range primary {
		excl[p] = true
	}
	return &Scanner{list: list, primary: excl, secondary: secondary}
}

// usbEthernetPrefixes match RNDIS/CDC-ethernet devices as presented by
// SIM7600-class modems. "enx" is the predictable-name form (enx + MAC).
var usbEthernetPrefixes = []string{"enx", "usb", "wwan"}

// Scan returns the current cellular candidate, or ErrNoCandidate.
//
// A PPP link holding an IPv4 address is accepted first. Otherwise the
// pattern classes are tried in priority order and the first interface
// that is either administratively up or eligible to be brought up wins.
func (s *Scanner) Scan() (*Candidate, error) {
	ifaces, err := s.list()
	if err != nil {
		return nil, err
	}

	for _, it := range ifaces {
		if s.primary[it.Name] {
			continue
		}
		if strings.HasPrefix(it.Name, "ppp") && it.HasIPv4 {
			return candidate(it, KindPPP), nil
		}
	}

	// A dialed-but-addressless ppp interface still beats the ethernet
	// classes; the session just hasn't negotiated IPCP yet.
	for _, it := range ifaces {
		if s.primary[it.Name] {
			continue
		}
		if strings.HasPrefix(it.Name, "ppp") {
			return candidate(it, KindPPP), nil
		}
	}

	for _, prefix := range usbEthernetPrefixes {
		for _, it := range ifaces {
			if s.primary[it.Name] {
				continue
			}
			if strings.HasPrefix(it.Name, prefix) {
				return candidate(it, KindUSBEthernet), nil
			}
		}
	}

	for _, name := range s.secondary {
		for _, it := range ifaces {
			if it.Name != name || s.primary[it.Name] {
				continue
			}
			return candidate(it, KindSecondaryEthernet), nil
		}
	}

	return nil, ErrNoCandidate
}

func candidate(it Iface, kind Kind) *Candidate {
	return &Candidate{
		Name:    it.Name,
		Index:   it.Index,
		Kind:    kind,
		AdminUp: it.AdminUp,
		HasIPv4: it.HasIPv4,
	}
}
