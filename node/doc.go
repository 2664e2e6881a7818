// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package node composes the per-device runtime: the effect system, the
// session runtime, the ceremony manager, anti-entropy and the view
// engine, bound to at most one authority.
//
// A [Node] is transport agnostic. Frames arrive through
// [Node.HandleFrame], either from [Node.Serve] reading the network
// handler or from a driver such as the simulator that delivers frames
// itself. Every fact merged into the journal, whatever its origin, is
// fed to the view engine and nudges the sync scheduler.
//
// The authority a node acts for is chosen once, by [Node.InitAuthority]
// or by being enrolled into an existing authority, and is persisted
// in storage so a restarted node picks it up again.
package node
