// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lattice

import (
	"cmp"
	"maps"
	"slices"
)

// Joiner is a join-semilattice element: Join is associative,
// commutative and idempotent, and returns the least upper bound.
type Joiner[T any] interface {
	Join(other T) T
}

// Meeter is a meet-semilattice element: Meet returns the greatest
// lower bound.
type Meeter[T any] interface {
	Meet(other T) T
}

// JoinAll folds Join over values starting from bottom.
func JoinAll[T Joiner[T]](bottom T, values ...T) T {
	result := bottom
	for _, value := range values {
		result = result.Join(value)
	}
	return result
}

// MeetAll folds Meet over values starting from top.
func MeetAll[T Meeter[T]](top T, values ...T) T {
	result := top
	for _, value := range values {
		result = result.Meet(value)
	}
	return result
}

// Max is the join-semilattice of an ordered value under max. The zero
// value of T is bottom.
type Max[T cmp.Ordered] struct {
	Value T `cbor:"1,keyasint"`
}

// Join returns the larger value.
func (m Max[T]) Join(other Max[T]) Max[T] {
	return Max[T]{Value: max(m.Value, other.Value)}
}

// Min is the meet-semilattice of an ordered value under min.
type Min[T cmp.Ordered] struct {
	Value T `cbor:"1,keyasint"`
}

// Meet returns the smaller value.
func (m Min[T]) Meet(other Min[T]) Min[T] {
	return Min[T]{Value: min(m.Value, other.Value)}
}

// GSet is a grow-only set. Join is union. Values are never mutated in
// place: Add and Join return new sets, so a GSet may be shared freely.
type GSet[T comparable] struct {
	members map[T]struct{}
}

// NewGSet returns a set holding values.
func NewGSet[T comparable](values ...T) GSet[T] {
	members := make(map[T]struct{}, len(values))
	for _, value := range values {
		members[value] = struct{}{}
	}
	return GSet[T]{members: members}
}

// Add returns a set that also holds value.
func (s GSet[T]) Add(value T) GSet[T] {
	if s.Contains(value) {
		return s
	}
	members := maps.Clone(s.members)
	if members == nil {
		members = make(map[T]struct{}, 1)
	}
	members[value] = struct{}{}
	return GSet[T]{members: members}
}

// Contains reports membership.
func (s GSet[T]) Contains(value T) bool {
	_, ok := s.members[value]
	return ok
}

// Len returns the number of members.
func (s GSet[T]) Len() int { return len(s.members) }

// Join returns the union.
func (s GSet[T]) Join(other GSet[T]) GSet[T] {
	if len(other.members) == 0 {
		return s
	}
	if len(s.members) == 0 {
		return other
	}
	members := maps.Clone(s.members)
	for value := range other.members {
		members[value] = struct{}{}
	}
	return GSet[T]{members: members}
}

// Equal reports whether both sets hold the same members.
func (s GSet[T]) Equal(other GSet[T]) bool {
	if len(s.members) != len(other.members) {
		return false
	}
	for value := range s.members {
		if !other.Contains(value) {
			return false
		}
	}
	return true
}

// SortedFunc returns the members ordered by compare.
func (s GSet[T]) SortedFunc(compare func(a, b T) int) []T {
	return slices.SortedFunc(maps.Keys(s.members), compare)
}

// Sorted returns the members of an ordered set in ascending order.
func Sorted[T cmp.Ordered](s GSet[T]) []T {
	return slices.Sorted(maps.Keys(s.members))
}

// JoinMap is a map whose values form a join-semilattice. Join is
// key-wise: keys present on one side are copied, keys on both sides
// join their values.
type JoinMap[K comparable, V Joiner[V]] map[K]V

// Join returns the key-wise join. Neither input is modified.
func (m JoinMap[K, V]) Join(other JoinMap[K, V]) JoinMap[K, V] {
	result := make(JoinMap[K, V], max(len(m), len(other)))
	for key, value := range m {
		result[key] = value
	}
	for key, value := range other {
		if existing, ok := result[key]; ok {
			result[key] = existing.Join(value)
		} else {
			result[key] = value
		}
	}
	return result
}
