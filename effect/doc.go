// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package effect defines the interfaces through which quorum touches
// the outside world: time, randomness, cryptography, storage, the
// network, the journal, the commitment tree, authorization, leakage
// accounting, the console and system diagnostics.
//
// Every handler reports the [Mode] it runs in. A [Registry] holds one
// handler per effect type for a single mode and refuses handlers from
// another mode, so a simulation can never pick up the wall clock by
// accident. [Registry.Compose] assembles the [Effects] bundle that the
// higher layers take.
//
// The handler package provides implementations and the builders that
// fill a registry for production, testing and simulation.
package effect
