// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package view_test

import (
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/view"
)

var (
	chat     = ident.Derive[ident.Context]("test", []byte("chat"))
	chatRoom = fact.ContextNamespace(chat)
	other    = fact.ContextNamespace(ident.Derive[ident.Context]("test", []byte("other")))
)

func note(t *testing.T, lamport uint64, bindingType, text string) fact.Fact {
	t.Helper()
	f, err := fact.New(timestamp.AtLamport(lamport), fact.Relate(chat, bindingType, []byte(text)))
	if err != nil {
		t.Fatalf("fact.New: %v", err)
	}
	return f
}

func count(state int, _ fact.Namespace, _ fact.Fact) int { return state + 1 }

// graph builds messages and reactions counters and their total.
func graph(t *testing.T, e *view.Engine) (messages, reactions, total view.ID) {
	t.Helper()
	var err error
	messages, err = view.Source(e, "messages", view.And(view.InNamespace(chatRoom), view.Binding("message")), 0, count)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	reactions, err = view.Source(e, "reactions", view.Binding("reaction"), 0, count)
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	total, err = view.Derived(e, "total", []view.ID{messages, reactions}, func(inputs []any) int {
		return inputs[0].(int) + inputs[1].(int)
	}, func(a, b int) bool { return a == b })
	if err != nil {
		t.Fatalf("Derived: %v", err)
	}
	return messages, reactions, total
}

func get(t *testing.T, e *view.Engine, id view.ID) int {
	t.Helper()
	value, err := view.Get[int](e, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return value
}

func TestBatchWindow(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	e := view.NewEngine(view.Config{Clock: fake})
	messages, _, total := graph(t, e)

	var deltas []view.Delta
	if _, err := e.Subscribe(total, func(delta view.Delta) { deltas = append(deltas, delta) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e.Ingest(chatRoom, []fact.Fact{note(t, 1, "message", "hi")})
	fake.Advance(2 * time.Millisecond)
	e.Ingest(chatRoom, []fact.Fact{note(t, 2, "message", "there"), note(t, 3, "reaction", "+1")})

	if len(deltas) != 0 || get(t, e, messages) != 0 {
		t.Fatal("batch applied before its window closed")
	}
	if e.Pending() != 3 {
		t.Errorf("Pending = %d, want 3", e.Pending())
	}

	fake.Advance(3 * time.Millisecond)
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].Batch != 1 || deltas[0].Value != 3 || deltas[0].Name != "total" {
		t.Errorf("delta = %+v", deltas[0])
	}
	if get(t, e, messages) != 2 {
		t.Errorf("messages = %d, want 2", get(t, e, messages))
	}
}

func TestSubscribersSeeConsistentBatch(t *testing.T) {
	e := view.NewEngine(view.Config{Clock: clock.Fake(time.Unix(0, 0))})
	messages, reactions, total := graph(t, e)

	// Every callback reads every view; none may see total lag behind
	// its inputs.
	check := func(delta view.Delta) {
		m, r, sum := get(t, e, messages), get(t, e, reactions), get(t, e, total)
		if m+r != sum {
			t.Errorf("batch %d: %s delta observed messages %d + reactions %d != total %d", delta.Batch, delta.Name, m, r, sum)
		}
	}
	var order []string
	for _, id := range []view.ID{total, reactions, messages} {
		if _, err := e.Subscribe(id, func(delta view.Delta) {
			check(delta)
			order = append(order, delta.Name)
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	e.Ingest(chatRoom, []fact.Fact{note(t, 1, "message", "a"), note(t, 2, "reaction", "b")})
	if batch := e.Flush(); batch != 1 {
		t.Fatalf("Flush = %d, want batch 1", batch)
	}
	if want := []string{"messages", "reactions", "total"}; !slices.Equal(order, want) {
		t.Errorf("delivery order = %v, want %v", order, want)
	}
}

func TestUnchangedViewsStaySilent(t *testing.T) {
	e := view.NewEngine(view.Config{BatchWindow: -1})
	messages, reactions, total := graph(t, e)

	seen := map[view.ID]int{}
	for _, id := range []view.ID{messages, reactions, total} {
		if _, err := e.Subscribe(id, func(delta view.Delta) { seen[delta.View]++ }); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	// Not selected by any source.
	e.Ingest(other, []fact.Fact{note(t, 1, "message", "elsewhere")})
	if len(seen) != 0 {
		t.Errorf("deltas for an irrelevant fact: %v", seen)
	}

	e.Ingest(chatRoom, []fact.Fact{note(t, 2, "message", "hi")})
	if seen[messages] != 1 || seen[total] != 1 || seen[reactions] != 0 {
		t.Errorf("deltas = %v, want messages and total once", seen)
	}
}

func TestDerivedEqualitySuppressesDelta(t *testing.T) {
	e := view.NewEngine(view.Config{BatchWindow: -1})
	messages, _, _ := graph(t, e)
	parity, err := view.Derived(e, "parity", []view.ID{messages}, func(inputs []any) bool {
		return inputs[0].(int)%2 == 0
	}, func(a, b bool) bool { return a == b })
	if err != nil {
		t.Fatalf("Derived: %v", err)
	}
	var deltas []view.Delta
	cancel, err := e.Subscribe(parity, func(delta view.Delta) { deltas = append(deltas, delta) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e.Ingest(chatRoom, []fact.Fact{note(t, 1, "message", "a"), note(t, 2, "message", "b")})
	if len(deltas) != 0 {
		t.Errorf("parity unchanged but %d deltas delivered", len(deltas))
	}
	e.Ingest(chatRoom, []fact.Fact{note(t, 3, "message", "c")})
	if len(deltas) != 1 || deltas[0].Value != false || deltas[0].Batch != 2 {
		t.Errorf("deltas = %+v", deltas)
	}

	cancel()
	e.Ingest(chatRoom, []fact.Fact{note(t, 4, "message", "d")})
	if len(deltas) != 1 {
		t.Error("cancelled subscriber still called")
	}
}

func TestGraphValidation(t *testing.T) {
	e := view.NewEngine(view.Config{})
	messages, _, _ := graph(t, e)

	if _, err := view.Source(e, "messages", view.Everything, 0, count); err == nil {
		t.Error("duplicate name accepted")
	}
	if _, err := view.Derived(e, "ghost", []view.ID{42}, func([]any) int { return 0 }, nil); err == nil {
		t.Error("unknown input accepted")
	}
	if _, err := view.Derived[int](e, "orphan", nil, func([]any) int { return 0 }, nil); err == nil {
		t.Error("derived view without inputs accepted")
	}
	if _, err := view.Get[string](e, messages); err == nil {
		t.Error("Get with the wrong type succeeded")
	}
	if id, ok := e.Lookup("total"); !ok || id != 2 {
		t.Errorf("Lookup(total) = %d, %v", id, ok)
	}
}

func TestCloseDropsPending(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	e := view.NewEngine(view.Config{Clock: fake})
	messages, _, _ := graph(t, e)

	e.Ingest(chatRoom, []fact.Fact{note(t, 1, "message", "a")})
	e.Close()
	fake.Advance(time.Second)
	e.Ingest(chatRoom, []fact.Fact{note(t, 2, "message", "b")})
	if get(t, e, messages) != 0 || e.Pending() != 0 {
		t.Error("closed engine applied facts")
	}
}
