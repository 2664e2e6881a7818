// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy

import (
	"context"
	"slices"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/lattice"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

// Digest summarizes one namespace of a journal: the ids of its facts,
// sorted, and their Merkle root. Equal roots mean equal fact sets.
type Digest struct {
	Namespace fact.Namespace        `cbor:"1,keyasint"`
	Root      digest.Hash           `cbor:"2,keyasint"`
	IDs       []timestamp.OrderTime `cbor:"3,keyasint,omitempty"`
}

// NewDigest builds the digest of ids, which need not be sorted.
func NewDigest(namespace fact.Namespace, ids []timestamp.OrderTime) Digest {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, timestamp.OrderTime.Compare)
	sorted = slices.Compact(sorted)
	leaves := make([]digest.Hash, len(sorted))
	for i, id := range sorted {
		leaves[i] = digest.Hash(id)
	}
	return Digest{Namespace: namespace, Root: digest.Merkle(leaves), IDs: sorted}
}

// Summarize digests every namespace of journal, in namespace order.
func Summarize(ctx context.Context, journal effect.Journal) ([]Digest, error) {
	namespaces, err := journal.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	digests := make([]Digest, 0, len(namespaces))
	for _, namespace := range namespaces {
		summary, err := SummarizeNamespace(ctx, journal, namespace)
		if err != nil {
			return nil, err
		}
		digests = append(digests, summary)
	}
	return digests, nil
}

// SummarizeNamespace digests one namespace. A namespace the journal
// has never seen yields an empty digest.
func SummarizeNamespace(ctx context.Context, journal effect.Journal, namespace fact.Namespace) (Digest, error) {
	ids, err := journal.FactIDs(ctx, namespace)
	if err != nil {
		return Digest{}, err
	}
	return NewDigest(namespace, ids), nil
}

// Diff compares a local digest with a remote one of the same
// namespace. push holds the local ids the remote lacks and pull the
// remote ids missing locally, both sorted.
func Diff(local, remote Digest) (push, pull []timestamp.OrderTime) {
	if local.Root == remote.Root {
		return nil, nil
	}
	remoteSet := lattice.NewGSet(remote.IDs...)
	for _, id := range local.IDs {
		if !remoteSet.Contains(id) {
			push = append(push, id)
		}
	}
	localSet := lattice.NewGSet(local.IDs...)
	for _, id := range remote.IDs {
		if !localSet.Contains(id) {
			pull = append(pull, id)
		}
	}
	slices.SortFunc(push, timestamp.OrderTime.Compare)
	slices.SortFunc(pull, timestamp.OrderTime.Compare)
	return push, pull
}
