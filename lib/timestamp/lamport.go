// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timestamp

import "sync/atomic"

// LamportClock is a monotonic logical counter. Tick advances it for a
// local event; Observe folds in a remote reading so the next local
// tick is strictly greater than anything seen. Safe for concurrent use.
type LamportClock struct {
	value atomic.Uint64
}

// NewLamportClock returns a clock that starts after initial.
func NewLamportClock(initial uint64) *LamportClock {
	clock := &LamportClock{}
	clock.value.Store(initial)
	return clock
}

// Tick advances the clock and returns the new reading.
func (c *LamportClock) Tick() Logical {
	return Logical{Lamport: c.value.Add(1)}
}

// Observe advances the clock to at least remote. It returns the
// resulting value without ticking.
func (c *LamportClock) Observe(remote Logical) Logical {
	for {
		current := c.value.Load()
		if remote.Lamport <= current {
			return Logical{Lamport: current}
		}
		if c.value.CompareAndSwap(current, remote.Lamport) {
			return remote
		}
	}
}

// Current returns the last issued or observed reading.
func (c *LamportClock) Current() Logical {
	return Logical{Lamport: c.value.Load()}
}
