// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"cmp"
	"maps"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
)

// Register is a last-writer-wins cell. Writes order by Lamport time;
// ties break on the hash of the written value, so concurrent writes
// resolve the same way everywhere.
type Register[T any] struct {
	Lamport uint64      `cbor:"1,keyasint"`
	Tie     digest.Hash `cbor:"2,keyasint"`
	Value   T           `cbor:"3,keyasint"`
	Set     bool        `cbor:"4,keyasint"`
}

// Write returns a register holding value at lamport.
func Write[T any](lamport uint64, value T) Register[T] {
	return Register[T]{
		Lamport: lamport,
		Tie:     digest.Sum(digest.DomainContent, codec.MustMarshal(value)),
		Value:   value,
		Set:     true,
	}
}

// Join keeps the later write.
func (r Register[T]) Join(other Register[T]) Register[T] {
	if !other.Set {
		return r
	}
	if !r.Set {
		return other
	}
	if c := cmp.Compare(r.Lamport, other.Lamport); c != 0 {
		if c > 0 {
			return r
		}
		return other
	}
	if r.Tie.Compare(other.Tie) >= 0 {
		return r
	}
	return other
}

// Equal reports whether two registers hold the same write.
func (r Register[T]) Equal(other Register[T]) bool {
	if r.Set != other.Set {
		return false
	}
	return !r.Set || (r.Lamport == other.Lamport && r.Tie == other.Tie)
}

// registers is a map of LWW cells keyed by K.
type registers[K comparable, T any] map[K]Register[T]

func (m registers[K, T]) join(other registers[K, T]) registers[K, T] {
	result := make(registers[K, T], max(len(m), len(other)))
	for key, value := range m {
		result[key] = value
	}
	for key, value := range other {
		result[key] = result[key].Join(value)
	}
	return result
}

// equal treats a nil map and an empty one as the same value.
func (m registers[K, T]) equal(other registers[K, T]) bool {
	return maps.EqualFunc(m, other, Register[T].Equal)
}
