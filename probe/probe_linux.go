// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package probe

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenICMP opens a raw ICMPv4 socket bound to iface with
// SO_BINDTODEVICE, so echoes cannot leak onto the default route.
// Requires CAP_NET_RAW; the daemon already needs CAP_NET_ADMIN for its
// routing and firewall writes.
func listenICMP(ctx context.Context, iface string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				controlErr = unix.SetsockoptString(int(fd),
					unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
			})
			if err != nil {
				return err
			}
			if controlErr != nil {
				return fmt.Errorf("SO_BINDTODEVICE %s: %w", iface, controlErr)
			}
			return nil
		},
	}
	return lc.ListenPacket(ctx, "ip4:icmp", "0.0.0.0")
}

// BindToDevice is the same socket control exposed as a dialer control,
// for HTTP fetches (public address observation) that must egress via
// the cellular interface.
func BindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var controlErr error
		err := c.Control(func(fd uintptr) {
			controlErr = unix.SetsockoptString(int(fd),
				unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
		})
		if err != nil {
			return err
		}
		if controlErr != nil {
			return fmt.Errorf("SO_BINDTODEVICE %s: %w", iface, controlErr)
		}
		return nil
	}
}
