// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// DataDir creates a node data directory and points DATA_DIR at it
// until the test ends. The directory already contains an empty keys/
// subdirectory with mode 0700, as a node's would.
func DataDir(t *testing.T) string {
	t.Helper()
	directory := t.TempDir()
	if err := os.Mkdir(filepath.Join(directory, "keys"), 0o700); err != nil {
		t.Fatalf("creating key directory: %v", err)
	}
	t.Setenv("DATA_DIR", directory)
	return directory
}
