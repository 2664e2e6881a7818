// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps private key material out of the Go heap.
//
// A [Buffer] is an anonymous mmap region marked MADV_DONTDUMP and, when
// the process is allowed to, locked with mlock. The garbage collector
// never copies it, and Close zeroes it. [SigningKey] wraps a device's
// Ed25519 key in such a buffer for the lifetime of a node.
package secret
