// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal persists facts.
//
// A [Journal] is the in-memory OR-set of one namespace: facts are only
// ever added and two journals join by union. A [Store] keeps every
// namespace in a blob store behind [effect.Storage] and implements
// [effect.Journal]; a [TreeStore] layered on it implements
// [effect.Tree].
//
// Key layout:
//
//	fact/<namespace>/<order-time-hex>          encoded Fact
//	tree_ops/<authority-hex>/<op-hash-hex>     encoded AttestedOp
//	tree_ops_index/<authority-hex>             op hashes in (parent epoch, hash) order
//	snapshot/<authority-hex>/<epoch>           applied Snapshot
//	flow_budget/<context-hex>/<peer-hex>       FlowBudget
//	caps/<context-hex>                         Cap
//
// Epochs in keys are zero-padded so that keys sort numerically. Values
// are deterministic CBOR.
//
// Writes to one namespace are serialized by a per-namespace lock. No
// lock is held across namespaces.
package journal
