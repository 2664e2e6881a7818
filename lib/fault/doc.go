// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault is quorum's single error taxonomy.
//
// Every failure is classified into one of eight kinds (invalid,
// serialization, crypto, storage, network, authorization, coordination,
// internal). Effect handlers classify at the source; layers above add
// context with %w wrapping and never reclassify. The kind decides the
// retry posture (network and storage errors are retriable by default),
// the CLI exit code, and the structured [Record] handed to user
// interfaces.
package fault
