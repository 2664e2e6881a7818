// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tree implements an authority's commitment tree.
//
// The tree records which devices make up an authority and the policy
// that decides how many of them must sign. It is never stored. The
// stored thing is the set of [AttestedOp] values, an OR-set that
// replicas exchange freely, and [Reduce] turns any such set into the
// same [State] on every replica.
//
// Every op names the state it was signed against (ParentEpoch and
// ParentCommitment) and the commitment it produces. Ops therefore form
// chains hanging off commitments. Reduce walks from genesis (or from a
// [Snapshot]) following, at each commitment, the single winning op:
//
//   - an op named by a convergence certificate wins outright;
//   - ops named by a reversion are never applied;
//   - otherwise the op with the smallest (kind priority, op hash) whose
//     signature verifies wins.
//
// Ops whose parent has not been reached stay pending; they apply as soon
// as the missing parent arrives. Ops at a parent that was already
// decided for someone else are losers and never apply.
//
// Signatures are checked against the leaves of the parent state, so an
// op is only as trustworthy as the chain it extends. A [VerifyCache]
// lets repeated reductions skip signatures already checked.
package tree
