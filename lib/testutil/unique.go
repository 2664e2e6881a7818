// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strconv"
	"sync/atomic"
)

var issued atomic.Uint64

// UniqueID returns prefix and a number no earlier call in this test
// binary returned, for names that parallel tests must not share.
//
//	path := filepath.Join(dir, testutil.UniqueID("export")+".bin")
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(issued.Add(1), 10)
}
