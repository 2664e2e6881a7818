// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Quorum is the command-line interface to a quorum device: it creates
// the device key and authority, enrolls and removes devices through
// threshold ceremonies, exchanges invitations into relational
// contexts, exports journals for diagnosis, and serves the node on
// the network.
//
// Every failure exits with the status of its fault kind (invalid 2,
// serialization 3, crypto 4, storage 5, network 6, authorization 7,
// coordination 8, internal 9), so scripts can branch on the class of
// failure without parsing messages.
package main
