// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pubip looks up the public IPv4 address as seen from the far
// side of the cellular link. The lookup socket is pinned to the
// cellular interface so the answer reflects that link even while the
// host's default route points at the primary network.
package pubip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/uplinkd/uplinkd/probe"
)

// Services queried in order until one answers. Both return a bare
// address in the response body.
var services = []string{
	"https://api.ipify.org",
	"https://ifconfig.co/ip",
}

const maxBody = 64

// Fetch returns the link's public IPv4 address via iface.
func Fetch(ctx context.Context, iface string) (string, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
				Control: probe.BindToDevice(iface),
			}).DialContext,
			DisableKeepAlives: true,
		},
	}
	defer client.CloseIdleConnections()

	var lastErr error
	for _, url := range services {
		addr, err := fetchOne(ctx, client, url)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	return "", fmt.Errorf("all public address services failed: %w", lastErr)
}

func fetchOne(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(body))
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("%s: not an IPv4 address: %q", url, addr)
	}
	return ip.String(), nil
}
