// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries session frames between devices over TCP.
//
// [TCP] implements the network effect for production nodes. It listens
// for inbound peers, dials outbound peers on [TCP.Connect], and keeps
// one connection per peer device. Every connection starts with a
// mutual handshake: both sides exchange a [version.Hello], their
// device id, their Ed25519 public key and a 32-byte random nonce, then
// each signs the other's nonce bound to the other's device id. A peer
// whose device id is not derived from the key it presents, or whose
// signature does not verify, is disconnected before any frame is
// read. The binding of the response to the challenger's id prevents a
// signature collected from one device from being replayed against
// another.
//
// After the handshake, frames are written with a 4-byte big-endian
// length prefix. The payload is a [codec.Pack] block, so the first
// byte names the compression applied (none, lz4 or zstd) and the
// receiver bounds the decompressed size.
//
// When two devices dial each other at the same moment, both
// connections complete the handshake. The connection dialed by the
// device with the smaller id is kept and the other is closed, so both
// sides settle on the same connection without coordination.
//
// Dialing goes through the [Dialer] interface; [TCPDialer] is the
// default. Tests substitute their own to reach in-process listeners.
package transport
