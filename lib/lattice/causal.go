// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lattice

// CausalBuffer holds items that depend on something not yet seen and
// releases them once their dependency arrives. Items are keyed by their
// own id and name the id they wait for. Nothing is ever rejected for a
// missing dependency; it simply waits.
//
// Not safe for concurrent use.
type CausalBuffer[K comparable, V any] struct {
	present map[K]bool
	waiting map[K][]pendingItem[K, V]
	count   int
}

type pendingItem[K comparable, V any] struct {
	id    K
	value V
}

// NewCausalBuffer returns a buffer in which roots are already present.
func NewCausalBuffer[K comparable, V any](roots ...K) *CausalBuffer[K, V] {
	buffer := &CausalBuffer[K, V]{
		present: make(map[K]bool, len(roots)),
		waiting: make(map[K][]pendingItem[K, V]),
	}
	for _, root := range roots {
		buffer.present[root] = true
	}
	return buffer
}

// Offer adds an item with id that depends on parent. It returns the
// items that became ready as a result, in release order: the offered
// item first if its parent is present, followed by anything that was
// waiting on it, transitively.
func (b *CausalBuffer[K, V]) Offer(id K, parent K, value V) []V {
	if !b.present[parent] {
		b.waiting[parent] = append(b.waiting[parent], pendingItem[K, V]{id: id, value: value})
		b.count++
		return nil
	}
	return b.release(id, value)
}

// MarkPresent records that id exists without an item of its own and
// returns whatever was waiting on it.
func (b *CausalBuffer[K, V]) MarkPresent(id K) []V {
	if b.present[id] {
		return nil
	}
	b.present[id] = true
	var released []V
	queue := []K{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, item := range b.waiting[next] {
			b.count--
			released = append(released, item.value)
			if !b.present[item.id] {
				b.present[item.id] = true
				queue = append(queue, item.id)
			}
		}
		delete(b.waiting, next)
	}
	return released
}

func (b *CausalBuffer[K, V]) release(id K, value V) []V {
	released := []V{value}
	return append(released, b.MarkPresent(id)...)
}

// Pending returns the number of buffered items.
func (b *CausalBuffer[K, V]) Pending() int { return b.count }

// Present reports whether id has been released or marked present.
func (b *CausalBuffer[K, V]) Present(id K) bool { return b.present[id] }
