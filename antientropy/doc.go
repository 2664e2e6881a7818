// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package antientropy reconciles journals between peers.
//
// A journal namespace is an OR-set of facts, so two replicas converge
// by exchanging whatever the other lacks; no ordering needs to be
// agreed. One round of the sync/v1 protocol does this for every
// namespace the initiator holds:
//
//	initiator → responder  digest   fact ids per namespace
//	responder → initiator  reply    facts the initiator lacks, ids it wants
//	initiator → responder  facts    the wanted facts
//
// Each message passes the session guard at a cost of one plus the
// number of facts it carries, so sync traffic draws on the same flow
// budgets as every other protocol.
//
// The [Scheduler] runs rounds periodically against a random subset of
// peers, immediately after a local change, and backs off exponentially
// from peers whose rounds fail.
package antientropy
