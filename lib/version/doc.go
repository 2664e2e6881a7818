// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build metadata and the wire protocol
// version.
//
// Build metadata is injected with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/quorum/lib/version.Version=$(git describe --tags)"
//
// [Protocol] is the envelope version every frame carries. Peers
// exchange it during the transport handshake and refuse a peer whose
// protocol they cannot read; see [CheckPeer].
package version
