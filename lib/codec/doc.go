// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides quorum's canonical serialization.
//
// Everything that is hashed, signed, persisted or sent between peers is
// CBOR in the deterministic profile (RFC 8949 §4.2, the DAG-CBOR
// subset): sorted map keys, shortest integer forms, no
// indefinite-length items. The same logical value always encodes to the
// same bytes, which is what lets a fact id or op hash be recomputed by
// any replica.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Decoding is strict about duplicate map keys, since two encodings of
// one logical value would break content addressing, and lenient about
// unknown fields so that newer peers can add them.
//
// Struct fields use integer keys (`cbor:"1,keyasint"`) for wire types
// and persisted values. Types implementing encoding.TextMarshaler
// (identifiers, hashes) encode as text strings.
//
// The package also carries the block compression used for transport
// frames and exported diagnostics: see [Pack] and [Unpack].
package codec
