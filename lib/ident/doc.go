// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines the typed opaque identifiers used across
// quorum: devices, authorities, accounts, contexts, channels, sessions,
// invitations and ceremonies.
//
// Every identifier is a 16-byte array parameterised by a zero-size kind
// marker, so the compiler rejects a DeviceID where an AuthorityID is
// expected. The text form is "kind:hex"; it is also the CBOR encoding,
// which keeps diagnostic dumps readable.
package ident
