// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	if !clock.Now().Equal(epoch) {
		t.Fatalf("Now = %v, want %v", clock.Now(), epoch)
	}
	clock.Advance(5 * time.Second)
	if want := epoch.Add(5 * time.Second); !clock.Now().Equal(want) {
		t.Fatalf("Now = %v, want %v", clock.Now(), want)
	}
}

func TestAfterFiresAtDeadline(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(3 * time.Second)) {
			t.Errorf("fired at %v", fired)
		}
	default:
		t.Fatal("After did not fire")
	}
}

func TestAfterFuncSeesItsOwnDeadline(t *testing.T) {
	clock := Fake(epoch)
	var seen []time.Duration
	record := func() { seen = append(seen, clock.Now().Sub(epoch)) }

	clock.AfterFunc(3*time.Second, record)
	clock.AfterFunc(1*time.Second, record)
	clock.AfterFunc(2*time.Second, record)
	clock.Advance(10 * time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if !slices.Equal(seen, want) {
		t.Fatalf("callbacks saw %v, want %v", seen, want)
	}
	if got := clock.Now().Sub(epoch); got != 10*time.Second {
		t.Fatalf("Now = +%v after Advance, want +10s", got)
	}
}

func TestEqualDeadlinesFireInRegistrationOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []int
	for i := range 5 {
		clock.AfterFunc(time.Second, func() { order = append(order, i) })
	}
	clock.Advance(time.Second)
	if !slices.Equal(order, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("order = %v", order)
	}
}

func TestCallbacksMayScheduleMoreWork(t *testing.T) {
	clock := Fake(epoch)
	var fired []time.Duration
	var chain func()
	chain = func() {
		fired = append(fired, clock.Now().Sub(epoch))
		if len(fired) < 3 {
			clock.AfterFunc(time.Second, chain)
		}
	}
	clock.AfterFunc(time.Second, chain)
	clock.Advance(5 * time.Second)
	if !slices.Equal(fired, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}) {
		t.Fatalf("fired = %v", fired)
	}
}

func TestAfterFuncZeroRunsOnNextStep(t *testing.T) {
	clock := Fake(epoch)
	ran := false
	clock.AfterFunc(0, func() { ran = true })
	if ran {
		t.Fatal("AfterFunc(0) ran synchronously")
	}
	if !clock.Step() {
		t.Fatal("Step found nothing pending")
	}
	if !ran {
		t.Fatal("AfterFunc(0) did not run on Step")
	}
	if !clock.Now().Equal(epoch) {
		t.Fatal("Step moved time for an immediate timer")
	}
}

func TestTimerStopAndReset(t *testing.T) {
	clock := Fake(epoch)
	count := 0
	timer := clock.AfterFunc(time.Second, func() { count++ })
	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	clock.Advance(2 * time.Second)
	if count != 0 {
		t.Fatal("stopped timer fired")
	}

	if timer.Reset(time.Second) {
		t.Fatal("Reset of a stopped timer reported it pending")
	}
	clock.Advance(time.Second)
	if count != 1 {
		t.Fatalf("count = %d after Reset, want 1", count)
	}
}

func TestTickerFiresEachPeriod(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		select {
		case tick := <-ticker.C:
			if want := epoch.Add(time.Duration(i) * time.Second); !tick.Equal(want) {
				t.Fatalf("tick %d at %v, want %v", i, tick, want)
			}
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestStepAndNextDeadline(t *testing.T) {
	clock := Fake(epoch)
	if _, ok := clock.NextDeadline(); ok {
		t.Fatal("NextDeadline reported a waiter on an empty clock")
	}
	clock.AfterFunc(7*time.Second, func() {})
	deadline, ok := clock.NextDeadline()
	if !ok || !deadline.Equal(epoch.Add(7*time.Second)) {
		t.Fatalf("NextDeadline = %v, %v", deadline, ok)
	}
	clock.Step()
	if !clock.Now().Equal(deadline) {
		t.Fatalf("Now = %v after Step, want %v", clock.Now(), deadline)
	}
	if clock.Step() {
		t.Fatal("Step fired on an empty queue")
	}
}

func TestSleepReleasedByAdvance(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		clock.Sleep(time.Minute)
		close(done)
	}()
	clock.WaitForTimers(1)
	clock.Advance(time.Minute)
	testutil.RequireClosed(t, done, 5*time.Second, "Sleep after Advance")
}

func TestMillis(t *testing.T) {
	clock := Fake(time.UnixMilli(1234))
	if got := Millis(clock); got != 1234 {
		t.Fatalf("Millis = %d, want 1234", got)
	}
}
