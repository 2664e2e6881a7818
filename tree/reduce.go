// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"cmp"
	"slices"

	"github.com/bureau-foundation/quorum/lib/digest"
)

// Options tunes a reduction. The zero value reduces from genesis with
// no certificates and no cache.
type Options struct {
	// Base starts the reduction from a snapshot's state instead of
	// genesis. Ops below the snapshot's epoch are ignored.
	Base *Snapshot

	// Certified holds op hashes named by convergence certificates.
	Certified map[digest.Hash]bool

	// Reverted holds op hashes named by reversions.
	Reverted map[digest.Hash]bool

	// Until, when non-zero, applies only ops with ParentEpoch < Until,
	// yielding the state in which epoch Until began.
	Until uint64

	Cache *VerifyCache
}

// Loser is an op that lost the race at its parent.
type Loser struct {
	Op     digest.Hash
	Winner digest.Hash
	// Reason is "conflict" when another op won the parent, "stale"
	// when the op's parent was left behind before this op could apply,
	// "reverted" when a reversion excluded it, or "invalid".
	Reason string
}

// Warning describes an op skipped for a reason other than losing a race.
type Warning struct {
	Op      digest.Hash
	Message string
}

// Result is the outcome of a reduction.
type Result struct {
	State State

	// Applied lists the ops applied, in order.
	Applied []digest.Hash

	// Losers lists the ops that can never apply on this trajectory.
	Losers []Loser

	// Pending lists the ops whose parent has not been reached yet.
	Pending []digest.Hash

	Warnings []Warning
}

// Reduce deterministically materializes ops into a State. The result
// does not depend on the order of ops or on duplicates.
func Reduce(ops []AttestedOp, options Options) Result {
	state := Genesis()
	var floor uint64
	if options.Base != nil {
		state = options.Base.State.Clone()
		floor = options.Base.AsOfEpoch
	}

	// Dedupe by op hash. Two attestations of one op differ only in
	// signer sets; keep the one with the smallest attestation hash so
	// every replica picks the same.
	byHash := make(map[digest.Hash]AttestedOp, len(ops))
	for _, op := range ops {
		if op.Op.ParentEpoch < floor {
			continue
		}
		hash := op.Hash()
		if existing, ok := byHash[hash]; ok {
			if existing.AttestationHash().Compare(op.AttestationHash()) <= 0 {
				continue
			}
		}
		byHash[hash] = op
	}

	children := make(map[digest.Hash][]candidate, len(byHash))
	for hash, op := range byHash {
		children[op.Op.ParentCommitment] = append(children[op.Op.ParentCommitment], candidate{hash: hash, op: op})
	}

	var result Result
	visited := map[digest.Hash]bool{state.Commitment: true}
	decided := make(map[digest.Hash]bool, len(byHash))

	for {
		candidates := children[state.Commitment]
		slices.SortFunc(candidates, func(a, b candidate) int {
			return compareCandidates(a, b, options.Certified)
		})
		var winner *candidate
		var next State
		for i := range candidates {
			c := &candidates[i]
			if decided[c.hash] {
				continue
			}
			if c.op.Op.ParentEpoch != state.Epoch {
				continue
			}
			if options.Until != 0 && c.op.Op.ParentEpoch >= options.Until {
				continue
			}
			if options.Reverted[c.hash] && !options.Certified[c.hash] {
				decided[c.hash] = true
				result.Losers = append(result.Losers, Loser{Op: c.hash, Reason: "reverted"})
				continue
			}
			if winner != nil {
				decided[c.hash] = true
				result.Losers = append(result.Losers, Loser{Op: c.hash, Winner: winner.hash, Reason: "conflict"})
				continue
			}
			applied, err := state.Verify(c.op, options.Cache)
			decided[c.hash] = true
			if err != nil {
				result.Warnings = append(result.Warnings, Warning{Op: c.hash, Message: err.Error()})
				result.Losers = append(result.Losers, Loser{Op: c.hash, Reason: "invalid"})
				continue
			}
			winner = c
			next = applied
		}
		if winner == nil {
			break
		}
		result.Applied = append(result.Applied, winner.hash)
		state = next
		visited[state.Commitment] = true
	}

	for hash, op := range byHash {
		if decided[hash] {
			continue
		}
		if options.Until != 0 && op.Op.ParentEpoch >= options.Until {
			continue
		}
		if visited[op.Op.ParentCommitment] || op.Op.ParentEpoch < state.Epoch {
			result.Losers = append(result.Losers, Loser{Op: hash, Reason: "stale"})
			continue
		}
		result.Pending = append(result.Pending, hash)
	}
	slices.SortFunc(result.Losers, func(a, b Loser) int { return a.Op.Compare(b.Op) })
	slices.SortFunc(result.Pending, digest.Hash.Compare)
	result.State = state
	return result
}

type candidate struct {
	hash digest.Hash
	op   AttestedOp
}

// compareCandidates orders certified ops first, then by kind priority,
// then by op hash.
func compareCandidates(a, b candidate, certified map[digest.Hash]bool) int {
	if certified[a.hash] != certified[b.hash] {
		if certified[a.hash] {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.op.Op.Kind.Priority(), b.op.Op.Kind.Priority()); c != 0 {
		return c
	}
	return a.hash.Compare(b.hash)
}

// WinsOver reports whether op a would beat op b at a shared parent in
// the absence of certificates.
func WinsOver(a, b Op) bool {
	ha, hb := a.Hash(), b.Hash()
	return compareCandidates(candidate{hash: ha, op: AttestedOp{Op: a}}, candidate{hash: hb, op: AttestedOp{Op: b}}, nil) < 0
}
