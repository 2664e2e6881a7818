// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler implements the effect interfaces and assembles them
// into a runtime.
//
// Each handler serves one concern in one [effect.Mode]. The builders
// [ForTesting], [ForSimulation] and [ForProduction] choose the
// handlers for a mode, register them in an [effect.Registry] and
// compose the result:
//
//   - production reads the wall clock and crypto/rand, and stores in
//     SQLite under the configured data directory;
//   - testing uses a fake clock, a seeded random source and an
//     in-memory store, with an in-process [MemoryHub] network;
//   - simulation is testing with the clock and network supplied by the
//     simulator, so that a run is fully determined by its seed.
//
// The journal and tree effects are provided by package journal on top
// of the storage handler.
package handler
