// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package probe

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"
)

func listenICMP(ctx context.Context, iface string) (net.PacketConn, error) {
	return nil, fmt.Errorf("interface-bound probing not supported on %s", runtime.GOOS)
}

// BindToDevice is a no-op off Linux; the appliance targets Linux and
// other platforms exist for development builds only.
func BindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error { return nil }
}
