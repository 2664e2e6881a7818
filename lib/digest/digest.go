// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of every digest in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 keyed digest. Fact identifiers, operation
// hashes, tree commitments and prestate hashes are all this type.
type Hash [Size]byte

// Domain is a 32-byte BLAKE3 key that separates hash domains. The same
// bytes hashed under two domains produce unrelated digests, so an op
// hash can never be confused with a commitment or a fact id.
type Domain [32]byte

// newDomain builds a Domain from an ASCII label, zero-padded to 32
// bytes. Panics on labels longer than 32 bytes; domains are package
// constants, so this fires at init.
func newDomain(label string) Domain {
	if len(label) > 32 {
		panic("digest: domain label longer than 32 bytes: " + label)
	}
	var domain Domain
	copy(domain[:], label)
	return domain
}

// Hash domains. The byte values are the ASCII label zero-padded to 32
// bytes. Changing a label invalidates every stored hash in that domain.
var (
	DomainFact       = newDomain("quorum.fact")
	DomainTreeOp     = newDomain("quorum.tree.op")
	DomainSigning    = newDomain("quorum.tree.signing")
	DomainCommitment = newDomain("quorum.tree.commitment")
	DomainLeaf       = newDomain("quorum.tree.leaf")
	DomainMerkle     = newDomain("quorum.tree.merkle")
	DomainPrestate   = newDomain("quorum.ceremony.prestate")
	DomainCeremony   = newDomain("quorum.ceremony")
	DomainSnapshot   = newDomain("quorum.snapshot")
	DomainContent    = newDomain("quorum.content")
	DomainNonce      = newDomain("quorum.channel.nonce")
	DomainIdentifier = newDomain("quorum.ident")
	DomainToken      = newDomain("quorum.capability.token")
)

// Sum hashes parts under the given domain. Each part is prefixed with
// its 8-byte big-endian length, so ("ab", "c") and ("a", "bc") hash
// differently.
func Sum(domain Domain, parts ...[]byte) Hash {
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		// NewKeyed fails only for keys that are not 32 bytes.
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var length [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(length[:], uint64(len(part)))
		hasher.Write(length[:])
		hasher.Write(part)
	}
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Uint64 returns the big-endian encoding of v, for use as a Sum part.
func Uint64(v uint64) []byte {
	var buffer [8]byte
	binary.BigEndian.PutUint64(buffer[:], v)
	return buffer[:]
}

// Merkle computes a binary Merkle root over hashes in DomainMerkle.
// Adjacent pairs are concatenated and hashed; an odd trailing node is
// promoted to the next level unchanged (never duplicated, which would
// let two different leaf lists share a root). The root of an empty list
// is the Sum of nothing, so empty trees still have a stable commitment.
func Merkle(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return Sum(DomainMerkle)
	}
	level := make([]Hash, len(hashes))
	copy(level, hashes)

	hasher, err := blake3.NewKeyed(DomainMerkle[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var combined [2 * Size]byte
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			copy(combined[:Size], level[i][:])
			copy(combined[Size:], level[i+1][:])
			hasher.Reset()
			hasher.Write(combined[:])
			copy(next[i/2][:], hasher.Sum(nil))
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Compare orders hashes bytewise.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// MarshalText encodes the hash as hex. CBOR and YAML both use this.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a 64-character hex string.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse parses a 64-character hex string into a Hash.
func Parse(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != Size {
		return hash, fmt.Errorf("digest is %d bytes, want %d", len(decoded), Size)
	}
	copy(hash[:], decoded)
	return hash, nil
}

// ContentID names a blob by its content hash and, when known, its
// size in bytes.
type ContentID struct {
	Hash Hash    `cbor:"1,keyasint"`
	Size *uint64 `cbor:"2,keyasint,omitempty"`
}

// ContentOf computes the ContentID of data in DomainContent.
func ContentOf(data []byte) ContentID {
	size := uint64(len(data))
	return ContentID{Hash: Sum(DomainContent, data), Size: &size}
}

// String returns "hash" or "hash:size".
func (c ContentID) String() string {
	if c.Size == nil {
		return c.Hash.String()
	}
	return fmt.Sprintf("%s:%d", c.Hash, *c.Size)
}
