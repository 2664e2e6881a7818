// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore provides the key-value backends behind a node's
// storage effects: [Memory] for tests and simulation, [SQLite] for a
// real node. Keys are strings compared bytewise, so a prefix scan
// returns keys in lexicographic order on both backends.
package kvstore
