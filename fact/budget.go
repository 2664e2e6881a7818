// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fact

import "github.com/bureau-foundation/quorum/lib/fault"

// FlowBudget is one peer's outbound allowance in a context. Within an
// epoch Spent only grows; a replenishment starts a new epoch, which
// supersedes every reading from older epochs. That makes Join a
// semilattice and lookup monotonic.
type FlowBudget struct {
	Limit uint64 `cbor:"1,keyasint"`
	Spent uint64 `cbor:"2,keyasint"`
	Epoch uint64 `cbor:"3,keyasint"`
}

// ErrBudgetExhausted is returned by Charge when headroom is short.
var ErrBudgetExhausted = fault.Authorization("flow budget exhausted")

// NewFlowBudget returns an unspent budget at epoch 0.
func NewFlowBudget(limit uint64) FlowBudget {
	return FlowBudget{Limit: limit}
}

// Headroom is what may still be spent.
func (b FlowBudget) Headroom() uint64 {
	if b.Spent >= b.Limit {
		return 0
	}
	return b.Limit - b.Spent
}

// Charge spends cost. On failure the budget is returned unchanged.
func (b FlowBudget) Charge(cost uint64) (FlowBudget, error) {
	if b.Headroom() < cost {
		return b, ErrBudgetExhausted
	}
	b.Spent += cost
	return b, nil
}

// Replenish starts the next epoch with a fresh limit.
func (b FlowBudget) Replenish(limit uint64) FlowBudget {
	return FlowBudget{Limit: limit, Epoch: b.Epoch + 1}
}

// Join keeps the later epoch; within one epoch it takes the larger
// limit and the larger spend.
func (b FlowBudget) Join(other FlowBudget) FlowBudget {
	switch {
	case b.Epoch > other.Epoch:
		return b
	case other.Epoch > b.Epoch:
		return other
	}
	return FlowBudget{
		Limit: max(b.Limit, other.Limit),
		Spent: max(b.Spent, other.Spent),
		Epoch: b.Epoch,
	}
}
