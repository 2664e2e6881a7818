// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fact defines the unit of journaled state.
//
// A [Fact] is immutable and content addressed: its ID is a hash of its
// timestamp and content, so two replicas that learn the same fact agree
// on its id without coordinating. Facts live in namespaces, one per
// authority and one per context, and a namespace's facts form an
// OR-set: joining two sets is union by id.
//
// Relational facts carry an opaque payload tagged with a binding type.
// Each feature registers a [Descriptor] for its binding type that
// decodes the payload into a typed delta; the reduction engine joins
// deltas per binding type. A binding type nobody registered is kept in
// the journal and skipped by reduction.
package fact
