// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reduce

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/lattice"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

// ContextState is the reduced relational view of one context.
type ContextState struct {
	Context ident.ContextID

	// Bindings holds the joined delta per binding type.
	Bindings map[string]fact.Delta

	// Unknown holds, per binding type no descriptor handles, the ids
	// of its facts. They stay in the journal for replicas that can.
	Unknown map[string]lattice.GSet[timestamp.OrderTime]

	// Budgets holds the joined flow budget per peer.
	Budgets map[ident.DeviceID]fact.FlowBudget

	// Certified and Reverted hold the op ids named by convergence
	// certificates and reversions recorded in this context.
	Certified lattice.GSet[digest.Hash]
	Reverted  lattice.GSet[digest.Hash]
}

// NewContextState returns the empty state for context.
func NewContextState(context ident.ContextID) ContextState {
	return ContextState{
		Context:   context,
		Bindings:  make(map[string]fact.Delta),
		Unknown:   make(map[string]lattice.GSet[timestamp.OrderTime]),
		Budgets:   make(map[ident.DeviceID]fact.FlowBudget),
		Certified: lattice.NewGSet[digest.Hash](),
		Reverted:  lattice.NewGSet[digest.Hash](),
	}
}

// Context reduces a context namespace. Relational facts whose binding
// type has no descriptor are counted in Unknown; facts whose payload
// does not decode are skipped with a warning.
func Context(context ident.ContextID, facts []fact.Fact, registry *fact.Registry) (ContextState, []Warning) {
	facts, warnings := canonical(facts)
	state := NewContextState(context)
	for _, f := range facts {
		content := f.Content
		switch content.Kind {
		case fact.KindRelational:
			relational := content.Relational
			if relational.Context != context {
				warnings = append(warnings, Warning{Fact: f.ID, Message: "relational fact addressed to " + relational.Context.Short()})
				continue
			}
			descriptor, ok := registry.Lookup(relational.BindingType)
			if !ok {
				state.Unknown[relational.BindingType] = state.Unknown[relational.BindingType].Add(f.ID)
				continue
			}
			delta, err := descriptor.Reduce(context, relational.Data)
			if err != nil {
				warnings = append(warnings, Warning{Fact: f.ID, Message: relational.BindingType + ": " + err.Error()})
				continue
			}
			current, ok := state.Bindings[relational.BindingType]
			if !ok {
				current = descriptor.Bottom()
			}
			state.Bindings[relational.BindingType] = current.JoinDelta(delta)
		case fact.KindFlowBudget:
			budget := content.FlowBudget
			if budget.Context != context {
				continue
			}
			state.Budgets[budget.Peer] = state.Budgets[budget.Peer].Join(budget.Budget)
		case fact.KindConvergenceCert:
			state.Certified = state.Certified.Add(content.Cert.OpID)
		case fact.KindReversion:
			state.Reverted = state.Reverted.Add(content.Reversion.OpID)
		}
	}
	sortWarnings(warnings)
	return state, warnings
}

// Merge joins two reductions of the same context. Reducing the union of
// two fact sets equals merging their reductions.
func Merge(a, b ContextState) ContextState {
	merged := NewContextState(a.Context)
	maps.Copy(merged.Bindings, a.Bindings)
	for bindingType, delta := range b.Bindings {
		if current, ok := merged.Bindings[bindingType]; ok {
			merged.Bindings[bindingType] = current.JoinDelta(delta)
		} else {
			merged.Bindings[bindingType] = delta
		}
	}
	maps.Copy(merged.Unknown, a.Unknown)
	for bindingType, ids := range b.Unknown {
		merged.Unknown[bindingType] = merged.Unknown[bindingType].Join(ids)
	}
	maps.Copy(merged.Budgets, a.Budgets)
	for peer, budget := range b.Budgets {
		merged.Budgets[peer] = merged.Budgets[peer].Join(budget)
	}
	merged.Certified = a.Certified.Join(b.Certified)
	merged.Reverted = a.Reverted.Join(b.Reverted)
	return merged
}

// Binding returns the reduced value of bindingType as D.
func Binding[D lattice.Joiner[D]](state ContextState, bindingType string) (D, bool) {
	delta, ok := state.Bindings[bindingType]
	if !ok {
		var zero D
		return zero, false
	}
	return fact.ValueOf[D](delta)
}

// BindingTypes returns the binding types with a reduced value, sorted.
func (s ContextState) BindingTypes() []string {
	return slices.Sorted(maps.Keys(s.Bindings))
}

// Budget returns the peer's joined budget, or fallback when the
// context holds no budget fact for the peer.
func (s ContextState) Budget(peer ident.DeviceID, fallback fact.FlowBudget) fact.FlowBudget {
	if budget, ok := s.Budgets[peer]; ok {
		return budget.Join(fallback)
	}
	return fallback
}
