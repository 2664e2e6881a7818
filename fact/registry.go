// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fact

import (
	"slices"
	"sync"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/lattice"
)

// Delta is the typed result of reducing relational facts of one
// binding type. JoinDelta must be associative, commutative and
// idempotent, and must accept any Delta produced by the same
// Descriptor.
type Delta interface {
	JoinDelta(other Delta) Delta
}

// Descriptor owns one binding type: how its payload decodes into a
// delta and what the empty delta is. Reduce must be pure.
type Descriptor struct {
	BindingType string
	Bottom      func() Delta
	Reduce      func(context ident.ContextID, data []byte) (Delta, error)
}

// DeltaValue adapts a semilattice value to Delta.
type DeltaValue[D lattice.Joiner[D]] struct {
	Value D
}

// JoinDelta joins with another DeltaValue of the same type. A delta
// of any other type is ignored.
func (v DeltaValue[D]) JoinDelta(other Delta) Delta {
	typed, ok := other.(DeltaValue[D])
	if !ok {
		return v
	}
	return DeltaValue[D]{Value: v.Value.Join(typed.Value)}
}

// ValueOf unwraps a Delta built by [Describe].
func ValueOf[D lattice.Joiner[D]](delta Delta) (D, bool) {
	typed, ok := delta.(DeltaValue[D])
	return typed.Value, ok
}

// Describe builds a Descriptor whose deltas are values of D. decode
// turns one fact's payload into a delta; bottom is the identity of
// D's join.
func Describe[D lattice.Joiner[D]](bindingType string, bottom func() D, decode func(context ident.ContextID, data []byte) (D, error)) Descriptor {
	return Descriptor{
		BindingType: bindingType,
		Bottom:      func() Delta { return DeltaValue[D]{Value: bottom()} },
		Reduce: func(context ident.ContextID, data []byte) (Delta, error) {
			value, err := decode(context, data)
			if err != nil {
				return nil, err
			}
			return DeltaValue[D]{Value: value}, nil
		},
	}
}

// Payload encodes a binding payload deterministically.
func Payload(value any) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, fault.Serialization("encoding binding payload: %v", err)
	}
	return data, nil
}

// DecodePayload decodes a binding payload into T.
func DecodePayload[T any](data []byte) (T, error) {
	var value T
	if err := codec.Unmarshal(data, &value); err != nil {
		return value, fault.Serialization("decoding binding payload: %v", err)
	}
	return value, nil
}

// Registry maps binding types to descriptors. It is filled once while
// a node is assembled and read concurrently afterwards.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns a registry holding descriptors.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	registry := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, descriptor := range descriptors {
		if err := registry.Register(descriptor); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds a descriptor. A binding type may be registered once.
func (r *Registry) Register(descriptor Descriptor) error {
	if descriptor.BindingType == "" {
		return fault.Invalid("descriptor has no binding type")
	}
	if descriptor.Bottom == nil || descriptor.Reduce == nil {
		return fault.Invalid("descriptor %q is incomplete", descriptor.BindingType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[descriptor.BindingType]; exists {
		return fault.Invalid("binding type %q is already registered", descriptor.BindingType)
	}
	r.descriptors[descriptor.BindingType] = descriptor
	return nil
}

// Lookup returns the descriptor for bindingType.
func (r *Registry) Lookup(bindingType string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptor, ok := r.descriptors[bindingType]
	return descriptor, ok
}

// Types returns the registered binding types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.descriptors))
	for bindingType := range r.descriptors {
		types = append(types, bindingType)
	}
	slices.Sort(types)
	return types
}
