// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads node configuration from the data directory.
//
// A node keeps everything in one directory: the key store, the KV
// database and config.yaml (or config.jsonc). The directory is
// $DATA_DIR when set, otherwise $XDG_DATA_HOME/quorum, otherwise
// ~/.local/share/quorum. A missing config file is not an error; the
// defaults are complete.
//
// The file may carry development, staging and production sections
// that override base values when Environment matches.
package config
