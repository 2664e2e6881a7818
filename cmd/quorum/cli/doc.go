// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework behind the quorum binary: a
// tree of [Command] values with pflag parsing, help rendering, typo
// suggestions for commands and flags, and the mapping from fault kinds
// to process exit status.
package cli
