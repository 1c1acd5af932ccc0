// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/uplinkd/uplinkd/config"
)

func runDaemon(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	return errors.New("uplinkd requires Linux policy routing and netfilter")
}
