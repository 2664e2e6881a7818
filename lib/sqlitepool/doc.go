// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is a small SQLite connection pool with the
// pragmas every quorum database uses.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, use it, and [Pool.Put] it back; a connection is never
// shared between goroutines. [Pool.Write] and [Pool.Read] wrap the
// borrow in an immediate or deferred transaction.
//
// Every connection is opened in WAL mode with synchronous=FULL: facts
// are the only copy of a node's state until anti-entropy has pushed
// them, so a commit must survive power loss. busy_timeout absorbs
// contention between the pool's own writers.
package sqlitepool
