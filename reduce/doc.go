// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reduce derives state from journaled facts.
//
// [Authority] folds an authority namespace into an [AuthorityState]:
// attested tree ops go through tree.Reduce, with convergence
// certificates and reversions from the same namespace steering winner
// selection and the best verified snapshot as the starting point.
// [Context] folds a context namespace into a [ContextState] through
// the binding-type registry.
//
// Reductions are pure and never fail. A fact that cannot be used is
// skipped and reported as a [Warning]; it stays in the journal, since
// another replica may know how to reduce it. Reducing the union of two
// fact sets gives the same result as merging their reductions.
package reduce
