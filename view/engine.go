// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package view

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/fault"
)

// DefaultBatchWindow is how long ingested facts wait for company.
const DefaultBatchWindow = 5 * time.Millisecond

// ID indexes a view in its engine's arena.
type ID int

// Delta reports a view's new value after a batch.
type Delta struct {
	View  ID
	Name  string
	Batch uint64
	Value any
}

// Config configures an Engine.
type Config struct {
	Clock clock.Clock

	// BatchWindow is the delay between the first fact of a batch and
	// its application. Zero takes DefaultBatchWindow; a negative window
	// applies every Ingest immediately.
	BatchWindow time.Duration

	Logger *slog.Logger
}

type node struct {
	name   string
	inputs []ID
	value  any

	// Source views.
	filter Filter
	fold   func(state any, namespace fact.Namespace, f fact.Fact) any

	// Derived views.
	derive func(inputs []any) any
	equal  func(a, b any) bool

	subscribers map[uint64]func(Delta)
}

type arrival struct {
	namespace fact.Namespace
	fact      fact.Fact
}

// Engine evaluates a view DAG over batches of facts.
type Engine struct {
	clock  clock.Clock
	window time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	nodes      []*node
	names      map[string]ID
	order      []ID
	pending    []arrival
	timer      *clock.Timer
	generation uint64
	batch      uint64
	nextSub    uint64
	closed     bool

	// deliver serializes subscriber callbacks so deltas of one batch
	// are never interleaved with the next.
	deliver sync.Mutex
}

// NewEngine returns an engine with no views.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		clock:  cfg.Clock,
		window: cfg.BatchWindow,
		logger: cfg.Logger,
		names:  make(map[string]ID),
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.window == 0 {
		e.window = DefaultBatchWindow
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

func (e *Engine) add(n *node) (ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n.name == "" {
		return 0, fault.Invalid("view needs a name")
	}
	if _, exists := e.names[n.name]; exists {
		return 0, fault.Invalid("view %q already exists", n.name)
	}
	for _, input := range n.inputs {
		if input < 0 || int(input) >= len(e.nodes) {
			return 0, fault.Invalid("view %q names unknown input %d", n.name, input)
		}
	}
	id := ID(len(e.nodes))
	e.nodes = append(e.nodes, n)
	e.names[n.name] = id
	if n.derive != nil {
		n.value = n.derive(e.valuesLocked(n.inputs))
	}
	order, err := kahn(e.nodes)
	if err != nil {
		e.nodes = e.nodes[:id]
		delete(e.names, n.name)
		return 0, err
	}
	e.order = order
	return id, nil
}

// kahn orders the arena so every view follows its inputs. Ties break
// by arena index, which keeps the order stable as views are added.
func kahn(nodes []*node) ([]ID, error) {
	indegree := make([]int, len(nodes))
	dependents := make([][]ID, len(nodes))
	for id, n := range nodes {
		for _, input := range n.inputs {
			indegree[id]++
			dependents[input] = append(dependents[input], ID(id))
		}
	}
	var ready []ID
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, ID(id))
		}
	}
	order := make([]ID, 0, len(nodes))
	for len(ready) > 0 {
		slices.Sort(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, fault.Internal("view graph has a cycle")
	}
	return order, nil
}

func (e *Engine) valuesLocked(ids []ID) []any {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = e.nodes[id].value
	}
	return values
}

// Source adds a view that folds the facts filter selects into a state
// starting at initial.
func Source[S any](e *Engine, name string, filter Filter, initial S, fold func(state S, namespace fact.Namespace, f fact.Fact) S) (ID, error) {
	if filter == nil || fold == nil {
		return 0, fault.Invalid("source view %q needs a filter and a fold", name)
	}
	return e.add(&node{
		name:   name,
		value:  initial,
		filter: filter,
		fold: func(state any, namespace fact.Namespace, f fact.Fact) any {
			return fold(state.(S), namespace, f)
		},
	})
}

// Derived adds a view computed from inputs. It is recomputed whenever
// an input changes; when equal is set, a recomputation that equals
// the previous value does not count as a change.
func Derived[T any](e *Engine, name string, inputs []ID, derive func(inputs []any) T, equal func(a, b T) bool) (ID, error) {
	if len(inputs) == 0 || derive == nil {
		return 0, fault.Invalid("derived view %q needs inputs and a function", name)
	}
	n := &node{
		name:   name,
		inputs: slices.Clone(inputs),
		derive: func(inputs []any) any { return derive(inputs) },
	}
	if equal != nil {
		n.equal = func(a, b any) bool { return equal(a.(T), b.(T)) }
	}
	return e.add(n)
}

// Lookup returns the view named name.
func (e *Engine) Lookup(name string) (ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.names[name]
	return id, ok
}

// Get returns the current value of view id.
func Get[T any](e *Engine, id ID) (T, error) {
	var zero T
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || int(id) >= len(e.nodes) {
		return zero, fault.Invalid("unknown view %d", id)
	}
	value, ok := e.nodes[id].value.(T)
	if !ok {
		return zero, fault.Invalid("view %q holds %T", e.nodes[id].name, e.nodes[id].value)
	}
	return value, nil
}

// Subscribe calls deliver with every delta of view id. The returned
// function cancels the subscription. Callbacks run on the goroutine
// that applies the batch and must not call Flush.
func (e *Engine) Subscribe(id ID, deliver func(Delta)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || int(id) >= len(e.nodes) {
		return nil, fault.Invalid("unknown view %d", id)
	}
	n := e.nodes[id]
	if n.subscribers == nil {
		n.subscribers = make(map[uint64]func(Delta))
	}
	key := e.nextSub
	e.nextSub++
	n.subscribers[key] = deliver
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(n.subscribers, key)
	}, nil
}

// Ingest queues facts merged into namespace. The batch is applied
// when its window closes or at the next Flush.
func (e *Engine) Ingest(namespace fact.Namespace, facts []fact.Fact) {
	if len(facts) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for _, f := range facts {
		e.pending = append(e.pending, arrival{namespace: namespace, fact: f})
	}
	if e.window < 0 {
		e.mu.Unlock()
		e.Flush()
		return
	}
	if e.timer == nil {
		generation := e.generation
		e.timer = e.clock.AfterFunc(e.window, func() { e.expire(generation) })
	}
	e.mu.Unlock()
}

// expire flushes the batch its timer was armed for. A timer that lost
// a race with Flush finds the generation moved on and does nothing.
func (e *Engine) expire(generation uint64) {
	e.mu.Lock()
	stale := generation != e.generation
	e.mu.Unlock()
	if !stale {
		e.Flush()
	}
}

// Flush applies pending facts now and returns the batch number, or
// zero when nothing was pending.
func (e *Engine) Flush() uint64 {
	e.deliver.Lock()
	defer e.deliver.Unlock()

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return 0
	}
	arrivals := e.pending
	e.pending = nil
	e.batch++
	batch := e.batch
	deltas, calls := e.applyLocked(batch, arrivals)
	e.mu.Unlock()

	for i, delta := range deltas {
		for _, deliver := range calls[i] {
			deliver(delta)
		}
	}
	e.logger.Debug("view batch applied", "batch", batch, "facts", len(arrivals), "changed", len(deltas))
	return batch
}

// applyLocked recomputes every view the batch touches, in Kahn order,
// and returns the deltas with their subscribers in that order.
func (e *Engine) applyLocked(batch uint64, arrivals []arrival) ([]Delta, [][]func(Delta)) {
	slices.SortStableFunc(arrivals, func(a, b arrival) int { return fact.Compare(a.fact, b.fact) })
	changed := make([]bool, len(e.nodes))
	var deltas []Delta
	var calls [][]func(Delta)
	for _, id := range e.order {
		n := e.nodes[id]
		switch {
		case n.fold != nil:
			for _, a := range arrivals {
				if n.filter(a.namespace, a.fact) {
					n.value = n.fold(n.value, a.namespace, a.fact)
					changed[id] = true
				}
			}
		case n.derive != nil:
			if !slices.ContainsFunc(n.inputs, func(input ID) bool { return changed[input] }) {
				continue
			}
			next := n.derive(e.valuesLocked(n.inputs))
			if n.equal != nil && n.equal(n.value, next) {
				continue
			}
			n.value = next
			changed[id] = true
		}
		if !changed[id] {
			continue
		}
		deltas = append(deltas, Delta{View: id, Name: n.name, Batch: batch, Value: n.value})
		subscribers := make([]func(Delta), 0, len(n.subscribers))
		for _, key := range slices.Sorted(maps.Keys(n.subscribers)) {
			subscribers = append(subscribers, n.subscribers[key])
		}
		calls = append(calls, subscribers)
	}
	return deltas, calls
}

// Pending returns how many facts wait for the next batch.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close stops the batch timer and drops pending facts.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.pending = nil
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
