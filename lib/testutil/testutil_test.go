// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUniqueIDIncreases(t *testing.T) {
	first := UniqueID("x")
	second := UniqueID("x")
	if first == second || !strings.HasPrefix(first, "x-") {
		t.Fatalf("UniqueID returned %q then %q", first, second)
	}
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	RequireSend(t, ch, 7, time.Second, "sending")
	if got := RequireReceive(t, ch, time.Second, "receiving"); got != 7 {
		t.Fatalf("received %d, want 7", got)
	}
	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "closed")
}

// recorder captures a failure instead of ending the test.
type recorder struct {
	failure string
}

func (r *recorder) Helper() {}
func (r *recorder) Fatalf(format string, args ...any) {
	r.failure = fmt.Sprintf(format, args...)
}

func TestRequireReceiveFailures(t *testing.T) {
	var timedOut recorder
	if got := RequireReceive(&timedOut, make(chan int), time.Millisecond, "view delta"); got != 0 {
		t.Errorf("RequireReceive returned %d after a timeout", got)
	}
	if !strings.HasPrefix(timedOut.failure, "view delta: nothing received") {
		t.Errorf("timeout failure = %q", timedOut.failure)
	}

	closed := make(chan int)
	close(closed)
	var closedEarly recorder
	RequireReceive(&closedEarly, closed, time.Second, "frame")
	if !strings.Contains(closedEarly.failure, "closed") {
		t.Errorf("closed-channel failure = %q", closedEarly.failure)
	}

	var notDone recorder
	RequireClosed(&notDone, make(chan struct{}), time.Millisecond, "ceremony")
	if !strings.HasPrefix(notDone.failure, "ceremony: not done") {
		t.Errorf("RequireClosed failure = %q", notDone.failure)
	}
}

func TestDataDir(t *testing.T) {
	dir := DataDir(t)
	if os.Getenv("DATA_DIR") != dir {
		t.Fatalf("DATA_DIR = %q, want %q", os.Getenv("DATA_DIR"), dir)
	}
	info, err := os.Stat(filepath.Join(dir, "keys"))
	if err != nil || !info.IsDir() {
		t.Fatalf("keys directory missing: %v", err)
	}
}
