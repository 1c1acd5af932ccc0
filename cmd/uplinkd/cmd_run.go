// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/config"
)

var commandRun = &cobra.Command{
	Use:   "run",
	Short: "run the supervisor daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath
		}
		cfg, err := config.Load(path, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("starting uplinkd",
			zap.String("version", Version),
			zap.Int("table", cfg.Table.ID),
			zap.Uint32("fwmark", cfg.FwMark))
		return runDaemon(ctx, log, cfg)
	},
}

func init() {
	rootCmd.AddCommand(commandRun)
}
