// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend] and [RequireClosed] bound every wait
// on a channel fed by a real goroutine. They are the only place tests
// touch the wall clock; protocol time runs on clock.FakeClock.
//
// [UniqueID] names things parallel tests must not share. [DataDir]
// points DATA_DIR at a fresh node data directory for one test.
package testutil
