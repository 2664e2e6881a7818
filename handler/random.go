// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/digest"
)

// Random implements effect.Random over a byte source.
type Random struct {
	mode   effect.Mode
	mu     sync.Mutex
	source io.Reader
}

var _ effect.Random = (*Random)(nil)

// NewSystemRandom returns a handler reading crypto/rand.
func NewSystemRandom() *Random {
	return &Random{mode: effect.ModeProduction, source: cryptorand.Reader}
}

// NewSeededRandom returns a deterministic handler. Handlers built with
// equal mode, seed and label produce equal streams; the label keeps
// the streams of different devices in one simulation apart.
func NewSeededRandom(mode effect.Mode, seed uint64, label []byte) *Random {
	key := digest.Sum(digest.DomainNonce, []byte("seeded random"), digest.Uint64(seed), label)
	return &Random{mode: mode, source: rand.NewChaCha8(key)}
}

func (r *Random) Mode() effect.Mode { return r.mode }

// Read fills p from the source. Safe for concurrent use.
func (r *Random) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return io.ReadFull(r.source, p)
}

// Bytes returns n random bytes.
func (r *Random) Bytes(n int) []byte {
	buffer := make([]byte, n)
	if _, err := r.Read(buffer); err != nil {
		panic("handler: random source failed: " + err.Error())
	}
	return buffer
}

func (r *Random) Uint64() uint64 {
	return binary.BigEndian.Uint64(r.Bytes(8))
}

// Range returns a uniform value in [low, high) by rejection sampling.
func (r *Random) Range(low, high uint64) uint64 {
	if high <= low {
		panic("handler: empty random range")
	}
	span := high - low
	limit := math.MaxUint64 - math.MaxUint64%span
	for {
		if v := r.Uint64(); v < limit {
			return low + v%span
		}
	}
}

func (r *Random) UUID() uuid.UUID {
	return uuid.Must(uuid.NewRandomFromReader(r))
}

// Reader returns the handler itself as an io.Reader.
func (r *Random) Reader() io.Reader { return r }
