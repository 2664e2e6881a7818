// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/clock"
)

// System implements effect.System from the other handlers' state.
type System struct {
	mode          effect.Mode
	storage       effect.Storage
	network       effect.Network
	authorization *Authorization
	clock         clock.Clock
	started       time.Time
}

var _ effect.System = (*System)(nil)

// NewSystem returns a system handler. started is taken from clk.
func NewSystem(mode effect.Mode, clk clock.Clock, storage effect.Storage, network effect.Network, authorization *Authorization) *System {
	return &System{
		mode:          mode,
		storage:       storage,
		network:       network,
		authorization: authorization,
		clock:         clk,
		started:       clk.Now(),
	}
}

func (s *System) Mode() effect.Mode { return s.mode }

// Health probes storage and reports the connected peer count.
func (s *System) Health(ctx context.Context) effect.Health {
	health := effect.Health{Healthy: true, Components: map[string]string{}}
	if _, err := s.storage.Stats(ctx); err != nil {
		health.Healthy = false
		health.Components["storage"] = err.Error()
	} else {
		health.Components["storage"] = "ok"
	}
	health.Components["network"] = fmt.Sprintf("ok, %d peers", len(s.network.Peers()))
	return health
}

// Stats returns counters for diagnostics.
func (s *System) Stats(ctx context.Context) (map[string]int64, error) {
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int64{
		"storage_keys":   int64(stats.Keys),
		"storage_bytes":  stats.Bytes,
		"peers":          int64(len(s.network.Peers())),
		"revoked_tokens": int64(s.authorization.Revoked()),
		"uptime_ms":      s.clock.Now().Sub(s.started).Milliseconds(),
	}, nil
}
