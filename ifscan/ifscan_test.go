// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package ifscan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lister(ifaces ...Iface) Lister {
	return func() ([]Iface, error) { return ifaces, nil }
}

func TestScanPriorityOrder(t *testing.T) {
	tests := []struct {
		name     string
		ifaces   []Iface
		want     string
		wantKind Kind
	}{
		{
			name: "ppp with address beats everything",
			ifaces: []Iface{
				{Name: "enx00a0c6000000", Index: 4, AdminUp: true, HasIPv4: true},
				{Name: "ppp0", Index: 7, AdminUp: true, HasIPv4: true},
				{Name: "eth1", Index: 3, AdminUp: true, HasIPv4: true},
			},
			want:     "ppp0",
			wantKind: KindPPP,
		},
		{
			name: "addressless ppp still beats usb ethernet",
			ifaces: []Iface{
				{Name: "enx00a0c6000000", Index: 4, AdminUp: true, HasIPv4: true},
				{Name: "ppp0", Index: 7, AdminUp: true},
			},
			want:     "ppp0",
			wantKind: KindPPP,
		},
		{
			name: "usb ethernet beats secondary",
			ifaces: []Iface{
				{Name: "eth1", Index: 3, AdminUp: true},
				{Name: "usb0", Index: 5},
			},
			want:     "usb0",
			wantKind: KindUSBEthernet,
		},
		{
			name: "wwan matches the usb-ethernet class",
			ifaces: []Iface{
				{Name: "wwan0", Index: 5, AdminUp: true},
			},
			want:     "wwan0",
			wantKind: KindUSBEthernet,
		},
		{
			name: "secondary ethernet as last resort",
			ifaces: []Iface{
				{Name: "eth0", Index: 2, AdminUp: true, HasIPv4: true},
				{Name: "eth1", Index: 3},
			},
			want:     "eth1",
			wantKind: KindSecondaryEthernet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(lister(tt.ifaces...), []string{"eth0", "wlan0"}, []string{"eth1", "usb0"})
			got, err := s.Scan()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
			assert.Equal(t, tt.wantKind, got.Kind)
		})
	}
}

func TestScanPrimaryNeverCandidate(t *testing.T) {
	// Even interfaces whose names match a cellular pattern are excluded
	// when configured as primary.
	s := New(lister(
		Iface{Name: "ppp0", Index: 7, AdminUp: true, HasIPv4: true},
		Iface{Name: "usb0", Index: 5, AdminUp: true},
	), []string{"ppp0"}, []string{"usb0"})

	got, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, "usb0", got.Name)

	s = New(lister(
		Iface{Name: "eth0", Index: 2, AdminUp: true, HasIPv4: true},
		Iface{Name: "wlan0", Index: 3, AdminUp: true, HasIPv4: true},
	), []string{"eth0", "wlan0"}, nil)
	_, err = s.Scan()
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestScanNoCandidate(t *testing.T) {
	s := New(lister(
		Iface{Name: "lo", Index: 1, AdminUp: true},
		Iface{Name: "eth0", Index: 2, AdminUp: true, HasIPv4: true},
	), []string{"eth0"}, nil)
	_, err := s.Scan()
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestScanListerError(t *testing.T) {
	boom := errors.New("netlink down")
	s := New(func() ([]Iface, error) { return nil, boom }, nil, nil)
	_, err := s.Scan()
	assert.ErrorIs(t, err, boom)
}

func TestScanCandidateSnapshot(t *testing.T) {
	s := New(lister(
		Iface{Name: "enxa1b2c3d4e5f6", Index: 9, AdminUp: false, HasIPv4: false},
	), nil, nil)
	got, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, 9, got.Index)
	assert.False(t, got.AdminUp)
	assert.False(t, got.HasIPv4)
}
