// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when told to. It is the
// time source of the deterministic simulator: every timer is a waiter
// in a queue ordered by (deadline, registration order), and advancing
// the clock fires waiters one at a time with Now() set to each
// waiter's own deadline. Two runs that register the same timers in the
// same order therefore observe identical times and callback order.
//
// AfterFunc callbacks run synchronously on the goroutine that advances
// the clock, without the clock's lock held, so a callback may register
// new timers (which fire within the same Advance if they fall due).
// A callback must not call Advance or Sleep.
//
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	queue   waiterQueue
	nextSeq uint64
	changed *sync.Cond
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

type waiter struct {
	deadline time.Time
	seq      uint64
	index    int // position in the heap; -1 when not queued

	channel  chan time.Time
	callback func()
	period   time.Duration
}

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if !q[i].deadline.Equal(q[j].deadline) {
		return q[i].deadline.Before(q[j].deadline)
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	w := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	w.index = -1
	return w
}

// scheduleLocked queues w at deadline. Requires c.mu.
func (c *FakeClock) scheduleLocked(w *waiter, deadline time.Time) {
	w.deadline = deadline
	w.seq = c.nextSeq
	c.nextSeq++
	heap.Push(&c.queue, w)
	c.changed.Broadcast()
}

// unscheduleLocked removes w if queued and reports whether it was.
func (c *FakeClock) unscheduleLocked(w *waiter) bool {
	if w.index < 0 {
		return false
	}
	heap.Remove(&c.queue, w.index)
	return true
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock reaches now+d.
// A non-positive d is satisfied immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&waiter{channel: channel, index: -1}, c.now.Add(d))
	return channel
}

// AfterFunc schedules f at now+d. A non-positive d schedules f at the
// current instant; it runs on the next Advance or Step rather than
// inside AfterFunc, so callers may hold their own locks while
// scheduling.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{callback: f, index: -1}
	c.scheduleLocked(w, c.now.Add(max(d, 0)))
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.unscheduleLocked(w)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := c.unscheduleLocked(w)
			c.scheduleLocked(w, c.now.Add(max(d, 0)))
			return wasPending
		},
	}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	w := &waiter{channel: channel, period: d, index: -1}
	c.scheduleLocked(w, c.now.Add(d))
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unscheduleLocked(w)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unscheduleLocked(w)
			w.period = d
			c.scheduleLocked(w, c.now.Add(d))
		},
	}
}

// Sleep blocks until another goroutine advances the clock by d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves time forward by d, firing every waiter that falls due
// on the way in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.AdvanceTo(target)
}

// AdvanceTo moves time forward to target, firing waiters due on the
// way. Moving backwards is a no-op apart from firing waiters already
// due.
func (c *FakeClock) AdvanceTo(target time.Time) {
	for c.fireNext(target) {
	}
	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// Step fires the earliest pending waiter, moving time to its deadline.
// It reports false when nothing is pending.
func (c *FakeClock) Step() bool {
	deadline, ok := c.NextDeadline()
	if !ok {
		return false
	}
	return c.fireNext(deadline)
}

// NextDeadline returns the deadline of the earliest pending waiter.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return time.Time{}, false
	}
	return c.queue[0].deadline, true
}

// fireNext pops and fires the earliest waiter due at or before limit.
func (c *FakeClock) fireNext(limit time.Time) bool {
	c.mu.Lock()
	if len(c.queue) == 0 || c.queue[0].deadline.After(limit) {
		c.mu.Unlock()
		return false
	}
	w := heap.Pop(&c.queue).(*waiter)
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}
	fireTime := c.now
	if w.period > 0 {
		c.scheduleLocked(w, w.deadline.Add(w.period))
	}
	c.mu.Unlock()

	if w.callback != nil {
		w.callback()
	} else {
		select {
		case w.channel <- fireTime:
		default:
		}
	}
	return true
}

// PendingCount returns the number of queued waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// WaitForTimers blocks until at least n waiters are queued. Tests use
// it to wait for a goroutine to reach its timer before advancing.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) < n {
		c.changed.Wait()
	}
}
