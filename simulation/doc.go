// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package simulation runs many nodes in one process on one fake clock.
//
// A [World] owns a [clock.FakeClock], a simulated [Network] and the
// nodes attached to it. Every node is built with
// [handler.ForSimulation], so its randomness is seeded from the world
// seed and its device id, its storage lives in memory, and its time is
// the world clock. The network delays each frame by a duration drawn
// from the world's seeded source and delivers it through a clock
// timer, so delivery order is a function of the seed alone.
//
// Nothing in a world runs on its own goroutine. [World.Run] alternates
// between handing queued frames to their nodes, in device order, and
// stepping the clock to the next timer, until nothing is queued and no
// timer is pending or the horizon is reached. Sync rounds happen only
// when the test asks for them through [World.Gossip] or
// [World.SyncAll]. Two worlds built with the same seed that are driven
// through the same calls end with byte-identical journals.
//
// Partitions split the attached devices into groups. A send across
// groups fails with a retriable network error, and a frame already in
// flight when the partition forms is dropped on arrival. [World.Heal]
// joins every group again.
package simulation
