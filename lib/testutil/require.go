// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "time"

// T is the part of testing.TB the wait helpers use.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value on ch. The test fails if ch is
// closed or nothing arrives within timeout; what names the wait in the
// failure.
//
//	delta := testutil.RequireReceive(t, subscription, 5*time.Second, "view delta")
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, what string) V {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed before a value arrived", what)
		}
		return value
	case <-timer.C:
		t.Fatalf("%s: nothing received within %v", what, timeout)
	}
	var zero V
	return zero
}

// RequireSend delivers value on ch or fails the test after timeout.
func RequireSend[V any](t T, ch chan<- V, value V, timeout time.Duration, what string) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- value:
	case <-timer.C:
		t.Fatalf("%s: no receiver within %v", what, timeout)
	}
}

// RequireClosed waits for a done channel such as Ceremony.Done or
// Acceptance.Done.
func RequireClosed(t T, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("%s: not done within %v", what, timeout)
	}
}
