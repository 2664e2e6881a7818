// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ceremony runs the threshold ceremonies that change an
// authority's commitment tree.
//
// A ceremony signs a chain of tree ops that starts at the
// coordinator's current state. The coordinator proposes the chain to
// every participant over the ceremony/v1 protocol; participants check
// it against their own state and answer with a nonce commitment;
// once enough have accepted, the coordinator collects signature
// shares, aggregates them, and records the attested ops (Provisional).
//
// Convergence then runs converge/v1 against a window of the
// authority's members. Each member acknowledges at most one op per
// prestate. A quorum of acknowledgements makes the ceremony
// CoordinatorSoftSafe; acknowledgements from the whole window produce
// a ConvergenceCert and make it ConsensusFinalized. A ceremony that
// cannot finish records a Reversion naming its reason, and the winner
// when another op took the prestate.
//
// Every ceremony ends in exactly one terminal fact.
package ceremony
