// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reduce

import (
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

// Warning reports a fact, or an op inside one, that reduction skipped.
type Warning struct {
	Fact    timestamp.OrderTime
	Message string
}

func (w Warning) String() string {
	return w.Fact.Short() + ": " + w.Message
}

// canonical dedupes facts by id and sorts them into reduction order.
// Facts with malformed content are dropped with a warning.
func canonical(facts []fact.Fact) ([]fact.Fact, []Warning) {
	seen := make(map[timestamp.OrderTime]bool, len(facts))
	kept := make([]fact.Fact, 0, len(facts))
	var warnings []Warning
	for _, f := range facts {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		if err := f.Content.Validate(); err != nil {
			warnings = append(warnings, Warning{Fact: f.ID, Message: err.Error()})
			continue
		}
		kept = append(kept, f)
	}
	slices.SortFunc(kept, fact.Compare)
	sortWarnings(warnings)
	return kept, warnings
}

func sortWarnings(warnings []Warning) {
	slices.SortFunc(warnings, func(a, b Warning) int {
		if c := a.Fact.Compare(b.Fact); c != 0 {
			return c
		}
		if a.Message < b.Message {
			return -1
		}
		if a.Message > b.Message {
			return 1
		}
		return 0
	})
}
