// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"io"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

// Time implements effect.Time over a clock.Clock and a Lamport clock.
type Time struct {
	mode    effect.Mode
	clock   clock.Clock
	lamport *timestamp.LamportClock
	random  io.Reader
}

var _ effect.Time = (*Time)(nil)

// NewTime returns a time handler. random feeds order timestamps.
func NewTime(mode effect.Mode, clk clock.Clock, random io.Reader) *Time {
	return &Time{mode: mode, clock: clk, lamport: timestamp.NewLamportClock(0), random: random}
}

func (t *Time) Mode() effect.Mode { return t.mode }

func (t *Time) Now() time.Time { return t.clock.Now() }

// Physical reads the clock in Unix milliseconds.
func (t *Time) Physical() timestamp.TimeStamp {
	return timestamp.AtPhysical(clock.Millis(t.clock))
}

// Logical ticks the Lamport clock.
func (t *Time) Logical() timestamp.TimeStamp {
	return timestamp.AtLamport(t.lamport.Tick().Lamport)
}

// Observe folds a remote Lamport reading into the local clock.
func (t *Time) Observe(remote timestamp.Logical) {
	t.lamport.Observe(remote)
}

// Order draws a fresh order timestamp.
func (t *Time) Order() (timestamp.TimeStamp, error) {
	order, err := timestamp.NewOrderTime(t.random)
	if err != nil {
		return timestamp.TimeStamp{}, err
	}
	return timestamp.AtOrder(order), nil
}

// Sleep waits for d on the handler's clock or until ctx is done.
func (t *Time) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-t.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Time) Clock() clock.Clock { return t.clock }
