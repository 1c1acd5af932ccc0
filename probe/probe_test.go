// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestNewFiltersTargets(t *testing.T) {
	p := New(zaptest.NewLogger(t), []string{"8.8.8.8", "not-an-ip", "2001:4860:4860::8888", "1.1.1.1"}, time.Second)
	assert.Len(t, p.targets, 2, "hostnames and IPv6 targets are dropped")
	assert.Equal(t, "8.8.8.8", p.targets[0].String())
	assert.Equal(t, "1.1.1.1", p.targets[1].String())
}

func TestNewCapsTimeout(t *testing.T) {
	// The probe pass must stay well inside one poll interval.
	p := New(zaptest.NewLogger(t), []string{"8.8.8.8"}, time.Minute)
	assert.Equal(t, 5*time.Second, p.timeout)

	p = New(zaptest.NewLogger(t), []string{"8.8.8.8"}, 0)
	assert.Equal(t, 5*time.Second, p.timeout)

	p = New(zaptest.NewLogger(t), []string{"8.8.8.8"}, 2*time.Second)
	assert.Equal(t, 2*time.Second, p.timeout)
}

func TestProbeNoTargets(t *testing.T) {
	p := New(zaptest.NewLogger(t), nil, time.Second)
	assert.False(t, p.Probe(context.Background(), "enx0"))
}

func TestProbeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(zaptest.NewLogger(t), []string{"8.8.8.8"}, time.Second)
	assert.False(t, p.Probe(ctx, "enx0"))
}
