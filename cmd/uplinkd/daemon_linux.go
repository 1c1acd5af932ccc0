// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uplinkd/uplinkd/api"
	"github.com/uplinkd/uplinkd/config"
	"github.com/uplinkd/uplinkd/history"
	"github.com/uplinkd/uplinkd/ifscan"
	"github.com/uplinkd/uplinkd/link"
	"github.com/uplinkd/uplinkd/probe"
	"github.com/uplinkd/uplinkd/pubip"
	"github.com/uplinkd/uplinkd/router"
	"github.com/uplinkd/uplinkd/supervisor"
)

// runDaemon wires the full stack and blocks until ctx is done.
func runDaemon(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	scanner := ifscan.New(ifscan.NetlinkLister,
		cfg.PrimaryInterfaces, cfg.SecondaryInterfaces)

	prober := probe.New(log, cfg.Probe.Targets, cfg.Probe.Timeout)

	routes, err := router.NewRouteManager(log, router.NewNetlinkOps(),
		cfg.Table.ID, cfg.Table.Name, cfg.FwMark, cfg.RulePriority)
	if err != nil {
		return err
	}
	ipt, err := iptables.New()
	if err != nil {
		return err
	}
	fw := router.NewFirewallManager(log, ipt, cfg.FwMark)

	modem := link.NewATModem(log, cfg.Modem.Port, cfg.Modem.Baud)

	picker, err := backendPicker(log, cfg, modem, prober.Probe)
	if err != nil {
		return err
	}

	var hist *history.Store
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
			return err
		}
		hist, err = history.Open(filepath.Join(cfg.StateDir, "history.db"))
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	sup := supervisor.New(log, supervisor.Options{
		PollInterval:     cfg.PollInterval,
		FailureThreshold: cfg.Probe.FailureThreshold,
		ProxyUser:        cfg.ProxyUser,
		FwMark:           cfg.FwMark,
		AutoRotate:       cfg.Rotation.Auto.Enabled,
		AutoInterval:     cfg.Rotation.Auto.Interval,
	}, scanner, prober, routes, fw, picker, recorder(hist), pubip.Fetch)

	srv := api.New(log, cfg.API.Listen, cfg.API.Token, Version,
		sup, historyReader(hist))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })
	if cfg.TriggerFile != "" {
		g.Go(func() error { return sup.WatchTriggerFile(ctx, cfg.TriggerFile) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}

// backendPicker builds the configured backends once and returns the
// kind-to-backend mapping the supervisor consults per candidate.
func backendPicker(log *zap.Logger, cfg *config.Config, modem link.ModemControl, probeFn link.ProbeFunc) (supervisor.BackendPicker, error) {
	var fallbackGw net.IP
	if cfg.DHCP.FallbackGateway != "" {
		fallbackGw = net.ParseIP(cfg.DHCP.FallbackGateway)
		if fallbackGw == nil {
			return nil, errors.New("dhcp.fallback_gateway is not an IP address")
		}
	}

	ppp := link.NewPPPBackend(log, link.PPPOptions{
		Provider:      cfg.PPP.Provider,
		DialTimeout:   cfg.PPP.DialTimeout,
		Modem:         modem,
		Settle:        cfg.Rotation.Settle,
		Probe:         probeFn,
		RetryAttempts: cfg.Retry.Attempts,
		RetryBackoff:  cfg.Retry.Backoff,
	})
	dhcp := link.NewDHCPBackend(log, link.DHCPOptions{
		Timeout:         cfg.DHCP.Timeout,
		FallbackGateway: fallbackGw,
		Modem:           modem,
		Settle:          cfg.Rotation.Settle,
		Probe:           probeFn,
		RetryAttempts:   cfg.Retry.Attempts,
		RetryBackoff:    cfg.Retry.Backoff,
	})
	vendor := link.NewVendorBackend(log, link.VendorOptions{
		Up:            cfg.Vendor.Up,
		Down:          cfg.Vendor.Down,
		Renew:         cfg.Vendor.Renew,
		Reset:         cfg.Vendor.Reset,
		Settle:        cfg.Rotation.Settle,
		Probe:         probeFn,
		RetryAttempts: cfg.Retry.Attempts,
		RetryBackoff:  cfg.Retry.Backoff,
	})

	switch cfg.Backend {
	case "ppp":
		return func(ifscan.Kind) link.Backend { return ppp }, nil
	case "dhcp":
		return func(ifscan.Kind) link.Backend { return dhcp }, nil
	case "vendor":
		return func(ifscan.Kind) link.Backend { return vendor }, nil
	case "", "auto":
		return func(kind ifscan.Kind) link.Backend {
			if kind == ifscan.KindPPP {
				return ppp
			}
			return dhcp
		}, nil
	}
	return nil, errors.New("unknown backend: " + cfg.Backend)
}

// recorder adapts the optional history store; a nil *Store must become
// a nil interface, not a typed nil.
func recorder(h *history.Store) supervisor.Recorder {
	if h == nil {
		return nil
	}
	return h
}

func historyReader(h *history.Store) api.History {
	if h == nil {
		return nil
	}
	return h
}
