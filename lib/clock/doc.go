// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// quorum component.
//
// Components hold a Clock rather than calling the time package, so the
// same code runs against the wall clock in production and against a
// [FakeClock] in tests and in deterministic simulation:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	c.AfterFunc(5*time.Second, retransmit)
//	c.Advance(5 * time.Second) // retransmit runs here, with Now() at +5s
//
// The simulator drives time with [FakeClock.Step], which jumps straight
// to the next pending deadline.
package clock
