// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability provides the two layers of quorum's authorization
// model.
//
// [Cap] is the algebraic layer: a permission set forming a
// meet-semilattice. Delegation is meet, so a delegated capability can
// only be narrower than its source. The session runtime's send guard
// checks that the caller's Cap meets the operation's required Cap.
//
// Tokens are the policy layer, modelled on Biscuit: a chain of blocks,
// the first signed by the issuer's root key and each later block signed
// by an ephemeral key published in the block before it. Any holder can
// attenuate a token by appending a block; nobody can widen it. A
// [Verifier] checks the chain and evaluates a [Request] against every
// block, reporting the delegation depth.
package capability
