// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"sync"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/kvstore"
)

// Leakage implements effect.Leakage with budgets persisted in storage:
// the bits charged per (context, observer) at
// leakage/<context>/<observer> and the event log per context at
// leakage_log/<context>.
type Leakage struct {
	mode    effect.Mode
	storage effect.Storage
	clock   clock.Clock
	limit   uint64

	mu sync.Mutex
}

var _ effect.Leakage = (*Leakage)(nil)

// NewLeakage returns a handler granting each observer limit bits per
// context.
func NewLeakage(storage effect.Storage, clk clock.Clock, limit uint64) *Leakage {
	return &Leakage{mode: storage.Mode(), storage: storage, clock: clk, limit: limit}
}

func (l *Leakage) Mode() effect.Mode { return l.mode }

func leakageKey(contextID ident.ContextID, observer ident.DeviceID) string {
	return "leakage/" + contextID.Hex() + "/" + observer.Hex()
}

func leakageLogKey(contextID ident.ContextID) string {
	return "leakage_log/" + contextID.Hex()
}

func (l *Leakage) spent(ctx context.Context, contextID ident.ContextID, observer ident.DeviceID) (uint64, error) {
	data, ok, err := l.storage.Get(ctx, leakageKey(contextID, observer))
	if err != nil || !ok {
		return 0, err
	}
	var spent uint64
	if err := codec.Unmarshal(data, &spent); err != nil {
		return 0, fault.Serialization("decoding leakage spent: %v", err)
	}
	return spent, nil
}

// RecordLeakage charges event.Bits to the observer. An event that
// would exceed the budget is refused with an authorization fault and
// leaves no trace.
func (l *Leakage) RecordLeakage(ctx context.Context, event effect.LeakageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	spent, err := l.spent(ctx, event.Context, event.Observer)
	if err != nil {
		return err
	}
	if event.Bits > l.limit-spent {
		return fault.Authorization("leakage budget of %s in %s exhausted: %d bits left, %d requested",
			event.Observer.Short(), event.Context.Short(), l.limit-spent, event.Bits)
	}
	if event.AtMillis == 0 {
		event.AtMillis = clock.Millis(l.clock)
	}
	history, err := l.LeakageHistory(ctx, event.Context)
	if err != nil {
		return err
	}
	history = append(history, event)
	encodedSpent, err := codec.Marshal(spent + event.Bits)
	if err != nil {
		return fault.Serialization("encoding leakage spent: %v", err)
	}
	encodedHistory, err := codec.Marshal(history)
	if err != nil {
		return fault.Serialization("encoding leakage history: %v", err)
	}
	return l.storage.Batch(ctx, []kvstore.BatchOp{
		kvstore.Put(leakageKey(event.Context, event.Observer), encodedSpent),
		kvstore.Put(leakageLogKey(event.Context), encodedHistory),
	})
}

// LeakageBudget returns the bits the observer may still learn.
func (l *Leakage) LeakageBudget(ctx context.Context, contextID ident.ContextID, observer ident.DeviceID) (uint64, error) {
	spent, err := l.spent(ctx, contextID, observer)
	if err != nil {
		return 0, err
	}
	return l.limit - spent, nil
}

// LeakageHistory returns the recorded events of contextID, oldest first.
func (l *Leakage) LeakageHistory(ctx context.Context, contextID ident.ContextID) ([]effect.LeakageEvent, error) {
	data, ok, err := l.storage.Get(ctx, leakageLogKey(contextID))
	if err != nil || !ok {
		return nil, err
	}
	var history []effect.LeakageEvent
	if err := codec.Unmarshal(data, &history); err != nil {
		return nil, fault.Serialization("decoding leakage history: %v", err)
	}
	return history, nil
}
