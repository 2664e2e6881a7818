// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore holds a node's device key on disk, sealed with age,
// and loads it into protected memory.
package keystore
