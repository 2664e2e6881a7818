// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package threshold implements the threshold signature backend used by
// ceremonies: an M-of-N aggregate of Ed25519 signatures with a
// commit-then-reveal nonce round.
//
// The rounds mirror a FROST-style flow (commit, sign, aggregate) so the
// ceremony state machine is independent of the backend. An aggregate
// verifies against the member key set valid at the operation's parent
// state rather than a single group key.
package threshold
