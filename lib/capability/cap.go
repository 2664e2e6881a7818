// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"slices"
	"strings"
)

// Cap is a set of permissions ordered by inclusion. Meet is
// intersection, so refining a capability can only narrow it: whatever
// a refined cap allows, the original allowed too. Top holds every
// permission; the empty set is bottom.
//
// Cap is a value type. The Perms slice is kept sorted and free of
// duplicates by every constructor and operation; treat it as read-only.
type Cap struct {
	Top   bool     `cbor:"1,keyasint,omitempty"`
	Perms []string `cbor:"2,keyasint,omitempty"`
}

// Top returns the capability holding every permission.
func Top() Cap { return Cap{Top: true} }

// Bottom returns the empty capability.
func Bottom() Cap { return Cap{} }

// Of returns a capability holding exactly perms.
func Of(perms ...string) Cap {
	normalized := slices.Clone(perms)
	slices.Sort(normalized)
	normalized = slices.Compact(normalized)
	if len(normalized) == 0 {
		normalized = nil
	}
	return Cap{Perms: normalized}
}

// IsBottom reports whether c allows nothing.
func (c Cap) IsBottom() bool {
	return !c.Top && len(c.Perms) == 0
}

// Has reports whether c holds perm.
func (c Cap) Has(perm string) bool {
	if c.Top {
		return true
	}
	_, found := slices.BinarySearch(c.Perms, perm)
	return found
}

// Meet returns the intersection of c and other.
func (c Cap) Meet(other Cap) Cap {
	switch {
	case c.Top:
		return other
	case other.Top:
		return c
	}
	var shared []string
	for _, perm := range c.Perms {
		if other.Has(perm) {
			shared = append(shared, perm)
		}
	}
	return Cap{Perms: shared}
}

// Join returns the union of c and other.
func (c Cap) Join(other Cap) Cap {
	if c.Top || other.Top {
		return Top()
	}
	return Of(append(slices.Clone(c.Perms), other.Perms...)...)
}

// Allows reports whether c covers an operation that requires
// required: the meet of the two must not be bottom.
func (c Cap) Allows(required Cap) bool {
	return !c.Meet(required).IsBottom()
}

// Refines reports whether c is no larger than other.
func (c Cap) Refines(other Cap) bool {
	if other.Top {
		return true
	}
	if c.Top {
		return false
	}
	for _, perm := range c.Perms {
		if !other.Has(perm) {
			return false
		}
	}
	return true
}

// Delegate returns the capability a delegate receives when the holder
// of c grants requested: the meet of the two.
func (c Cap) Delegate(requested Cap) Cap {
	return c.Meet(requested)
}

// Equal reports whether both capabilities hold the same permissions.
func (c Cap) Equal(other Cap) bool {
	if c.Top || other.Top {
		return c.Top == other.Top
	}
	return slices.Equal(c.Perms, other.Perms)
}

func (c Cap) String() string {
	if c.Top {
		return "⊤"
	}
	if len(c.Perms) == 0 {
		return "⊥"
	}
	return "{" + strings.Join(c.Perms, ",") + "}"
}
