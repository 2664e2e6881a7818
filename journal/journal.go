// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

// Journal is the fact set of one namespace. The zero value is empty
// and ready to use. A Journal is not safe for concurrent mutation.
type Journal struct {
	Namespace fact.Namespace
	facts     map[timestamp.OrderTime]fact.Fact
}

// New returns a journal holding facts.
func New(namespace fact.Namespace, facts ...fact.Fact) *Journal {
	j := &Journal{Namespace: namespace}
	j.Add(facts...)
	return j
}

// Add inserts facts and returns how many were new.
func (j *Journal) Add(facts ...fact.Fact) int {
	if j.facts == nil {
		j.facts = make(map[timestamp.OrderTime]fact.Fact, len(facts))
	}
	added := 0
	for _, f := range facts {
		if _, known := j.facts[f.ID]; known {
			continue
		}
		j.facts[f.ID] = f
		added++
	}
	return added
}

// Join adds every fact of other.
func (j *Journal) Join(other *Journal) {
	if other == nil {
		return
	}
	j.Add(slices.Collect(maps.Values(other.facts))...)
}

// Contains reports whether the fact with id is present.
func (j *Journal) Contains(id timestamp.OrderTime) bool {
	_, ok := j.facts[id]
	return ok
}

// Get returns the fact with id.
func (j *Journal) Get(id timestamp.OrderTime) (fact.Fact, bool) {
	f, ok := j.facts[id]
	return f, ok
}

// Len returns the number of facts.
func (j *Journal) Len() int { return len(j.facts) }

// Facts returns every fact in canonical order.
func (j *Journal) Facts() []fact.Fact {
	return slices.SortedFunc(maps.Values(j.facts), fact.Compare)
}

// IDs returns every fact id, sorted.
func (j *Journal) IDs() []timestamp.OrderTime {
	return slices.SortedFunc(maps.Keys(j.facts), timestamp.OrderTime.Compare)
}

// Missing returns the ids in ids that the journal does not hold, in
// input order.
func (j *Journal) Missing(ids []timestamp.OrderTime) []timestamp.OrderTime {
	var missing []timestamp.OrderTime
	for _, id := range ids {
		if !j.Contains(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// Equal reports whether two journals hold the same fact ids.
func (j *Journal) Equal(other *Journal) bool {
	if j.Len() != other.Len() {
		return false
	}
	for id := range j.facts {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}
