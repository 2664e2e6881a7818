// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds key material in an anonymous mapping outside the Go
// heap, excluded from core dumps and, where the process may lock
// memory, pinned against swap. Close zeroes and unmaps it.
//
// A Buffer must not be copied. Reading a closed Buffer panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// New allocates a zeroed buffer of size bytes.
//
// mlock is attempted but not required: unprivileged containers often
// run with a tiny RLIMIT_MEMLOCK, and a node that cannot start is worse
// than one whose keys could in principle be swapped. Locked reports the
// outcome.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil && !errors.Is(err, unix.EINVAL) {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	buffer := &Buffer{data: data}
	if unix.Mlock(data) == nil {
		buffer.locked = true
	}
	return buffer, nil
}

// NewFromBytes copies source into a new Buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the protected bytes. The slice aliases the mapping and
// must not outlive the Buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Len returns the buffer size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether the mapping is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Close zeroes, unlocks and unmaps the buffer. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)
	if b.locked {
		unix.Munlock(b.data)
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}

// Zero overwrites data with zeroes.
func Zero(data []byte) {
	clear(data)
}

// SigningKey is an Ed25519 private key held in a Buffer.
type SigningKey struct {
	buffer *Buffer
}

// NewSigningKey moves key into protected memory and zeroes the
// caller's copy.
func NewSigningKey(key ed25519.PrivateKey) (*SigningKey, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret: signing key is %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}
	buffer, err := NewFromBytes(key)
	if err != nil {
		return nil, err
	}
	return &SigningKey{buffer: buffer}, nil
}

// Public returns the public half.
func (k *SigningKey) Public() ed25519.PublicKey {
	public := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(public, k.buffer.Bytes()[ed25519.SeedSize:])
	return public
}

// Sign signs message. The key is rebuilt from its seed in a heap buffer
// for the duration of the call: crypto/ed25519 caches derived state keyed
// by heap pointers and cannot be handed memory from the mapping.
func (k *SigningKey) Sign(message []byte) []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, k.buffer.Bytes()[:ed25519.SeedSize])
	private := ed25519.NewKeyFromSeed(seed)
	defer clear(private)
	defer clear(seed)
	return ed25519.Sign(private, message)
}

// Close releases the protected memory.
func (k *SigningKey) Close() error {
	return k.buffer.Close()
}
