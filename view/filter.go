// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package view

import (
	"slices"

	"github.com/bureau-foundation/quorum/fact"
)

// Filter selects the facts a source view folds.
type Filter func(namespace fact.Namespace, f fact.Fact) bool

// Everything selects every fact.
func Everything(fact.Namespace, fact.Fact) bool { return true }

// InNamespace selects facts of one namespace.
func InNamespace(namespace fact.Namespace) Filter {
	return func(ns fact.Namespace, _ fact.Fact) bool { return ns == namespace }
}

// OfKind selects facts whose content is one of kinds.
func OfKind(kinds ...fact.Kind) Filter {
	return func(_ fact.Namespace, f fact.Fact) bool { return slices.Contains(kinds, f.Content.Kind) }
}

// Binding selects relational facts of one binding type.
func Binding(bindingType string) Filter {
	return func(_ fact.Namespace, f fact.Fact) bool {
		return f.Content.Kind == fact.KindRelational && f.Content.Relational.BindingType == bindingType
	}
}

// And selects facts every filter selects.
func And(filters ...Filter) Filter {
	return func(namespace fact.Namespace, f fact.Fact) bool {
		for _, filter := range filters {
			if !filter(namespace, f) {
				return false
			}
		}
		return true
	}
}
