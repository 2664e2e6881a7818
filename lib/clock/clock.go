// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source every quorum component takes instead of
// calling the time package. Production wires Real(); tests and the
// deterministic simulator wire a FakeClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel or reschedule the call; its C field is nil.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Millis returns the clock's current time as Unix milliseconds, the
// unit of physical timestamps.
func Millis(c Clock) uint64 {
	return uint64(c.Now().UnixMilli())
}

// Ticker delivers periodic ticks on C (capacity 1; late ticks drop).
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the ticker with a new period.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending AfterFunc call.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the call. It returns false if the call already ran or
// was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call d from now and reports whether it was
// still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
