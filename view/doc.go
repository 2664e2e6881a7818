// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package view turns the stream of newly merged facts into per-view
// deltas.
//
// An [Engine] holds a DAG of views in an arena. A source view folds
// the facts its filter selects; a derived view is a function of other
// views. Views may only name views added before them, so the graph is
// acyclic by construction, and the engine evaluates it in Kahn order.
//
// Facts passed to [Engine.Ingest] are held for a short batch window
// (5ms by default) and then applied together. Every view touched by
// the batch is recomputed before any subscriber hears about it, so a
// subscriber never observes a derived view that disagrees with its
// inputs. Each delta carries the number of the batch that produced it.
//
// Views live in memory only. After a restart they are rebuilt by
// ingesting the journal again.
package view
