// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides the 32-byte content hash used everywhere in
// quorum, together with the hash domains that keep different uses of
// the hash apart.
//
// All hashing is BLAKE3 in keyed mode, with the key acting as a domain
// separator. [Sum] length-prefixes every part, so callers can pass
// structured fields without inventing their own framing. [Merkle]
// builds the binary trees that back commitment-tree roots.
package digest
