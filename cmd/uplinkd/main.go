// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command uplinkd supervises a cellular uplink for a proxy appliance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	debugLog   bool
)

var rootCmd = &cobra.Command{
	Use:     "uplinkd",
	Short:   "cellular uplink supervisor",
	Version: Version,
	Long: `uplinkd keeps a cellular modem usable as a secondary, policy-routed
uplink: it detects the modem interface, repairs its address and the
dedicated routing table, verifies reachability, and rotates the
carrier-assigned public address on demand.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debugLog, "debug", "d", false, "enable debug logging")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})
}

func newLogger() (*zap.Logger, error) {
	if debugLog {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
