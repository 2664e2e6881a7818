// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"crypto/ed25519"
	"sync"

	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
)

func verifySignature(attested AttestedOp, keys map[ident.DeviceID]ed25519.PublicKey, required int) error {
	return threshold.Verify(attested.Message(), attested.Signature, keys, required)
}

// VerifyCache remembers attestations whose signatures already verified.
// The key is the attestation hash, which covers the op, the claimed
// commitment and every share; since the commitment pins the signing
// leaves, a hit is as good as a fresh check. A nil cache is valid and
// caches nothing. Safe for concurrent use.
type VerifyCache struct {
	mu       sync.Mutex
	verified map[digest.Hash]struct{}
}

// NewVerifyCache returns an empty cache.
func NewVerifyCache() *VerifyCache {
	return &VerifyCache{verified: make(map[digest.Hash]struct{})}
}

// Verified reports whether attested is in the cache.
func (c *VerifyCache) Verified(attested AttestedOp) bool {
	if c == nil {
		return false
	}
	key := attested.AttestationHash()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.verified[key]
	return ok
}

// Record adds attested to the cache.
func (c *VerifyCache) Record(attested AttestedOp) {
	if c == nil {
		return
	}
	key := attested.AttestationHash()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified[key] = struct{}{}
}

// Len returns the number of cached attestations.
func (c *VerifyCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.verified)
}
