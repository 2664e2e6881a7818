// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/lib/digest"
)

// RevocationList is the set of token ids that must no longer verify.
// Entries for tokens with an expiry are dropped by Cleanup once the
// token would have expired anyway; tokens without an expiry stay
// revoked forever. Safe for concurrent use.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[digest.Hash]time.Time
}

// NewRevocationList returns an empty list.
func NewRevocationList() *RevocationList {
	return &RevocationList{entries: make(map[digest.Hash]time.Time)}
}

// Revoke adds id. expiresAt is the token's own expiry, or the zero
// time for tokens that never expire.
func (r *RevocationList) Revoke(id digest.Hash, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = expiresAt
}

// IsRevoked reports whether id has been revoked.
func (r *RevocationList) IsRevoked(id digest.Hash) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, revoked := r.entries[id]
	return revoked
}

// Cleanup removes entries for tokens expired at now and returns how
// many were removed.
func (r *RevocationList) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, expiresAt := range r.entries {
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries.
func (r *RevocationList) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
