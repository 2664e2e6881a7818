// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package latticetest checks the semilattice laws for a sample of
// values. Every CRDT in quorum runs its samples through these checks.
package latticetest

import "testing"

// Join checks that join is associative, commutative and idempotent over
// samples, and that bottom is its identity. equal decides value
// equality.
func Join[T any](t *testing.T, samples []T, bottom T, join func(a, b T) T, equal func(a, b T) bool) {
	t.Helper()
	checkLaws(t, "join", samples, bottom, join, equal)
}

// Meet checks the dual laws for meet, with top as identity.
func Meet[T any](t *testing.T, samples []T, top T, meet func(a, b T) T, equal func(a, b T) bool) {
	t.Helper()
	checkLaws(t, "meet", samples, top, meet, equal)
}

func checkLaws[T any](t *testing.T, name string, samples []T, identity T, op func(a, b T) T, equal func(a, b T) bool) {
	t.Helper()
	for i, a := range samples {
		if !equal(op(a, a), a) {
			t.Errorf("%s is not idempotent for sample %d", name, i)
		}
		if !equal(op(identity, a), a) || !equal(op(a, identity), a) {
			t.Errorf("identity is not neutral for %s on sample %d", name, i)
		}
		for j, b := range samples {
			if !equal(op(a, b), op(b, a)) {
				t.Errorf("%s is not commutative for samples %d, %d", name, i, j)
			}
			for k, c := range samples {
				if !equal(op(op(a, b), c), op(a, op(b, c))) {
					t.Errorf("%s is not associative for samples %d, %d, %d", name, i, j, k)
				}
			}
		}
	}
}
