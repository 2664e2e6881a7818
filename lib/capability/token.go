// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"io"
	"time"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
)

// Block is one layer of a token. The first block is issued by the
// root key; each later block attenuates the token further. A request is
// authorized only if every block allows it, so appending a block can
// never widen what the token grants.
type Block struct {
	// Actions are Match patterns; the requested action must match one.
	Actions []string `cbor:"1,keyasint"`

	// Resources are Match patterns for the resource scope. Empty
	// leaves the scope unrestricted by this block.
	Resources []string `cbor:"2,keyasint,omitempty"`

	// ExpiresAt is a Unix millisecond deadline; zero never expires.
	ExpiresAt int64 `cbor:"3,keyasint,omitempty"`

	// MaxDepth bounds the number of attenuation blocks that may follow.
	// Only honored on the first block.
	MaxDepth *uint32 `cbor:"4,keyasint,omitempty"`

	// Subject names who the block is issued to, for audit.
	Subject string `cbor:"5,keyasint,omitempty"`
}

// signedBlock is a block on the wire: its encoding, the public half of
// the key that signs the next block, and the signature by the previous
// block's key (the root key for the first block).
type signedBlock struct {
	Payload   []byte `cbor:"1,keyasint"`
	NextKey   []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
}

// token is the wire form. Proof is the private key matching the last
// block's NextKey; whoever holds the token can append a block with it.
type token struct {
	Blocks []signedBlock `cbor:"1,keyasint"`
	Proof  []byte        `cbor:"2,keyasint"`
}

// Request is what a token is checked against.
type Request struct {
	Action   string
	Resource string
}

// Result is a verifier's answer.
type Result struct {
	Authorized      bool
	DelegationDepth uint32
	// Reason explains a denial; empty when authorized.
	Reason string
}

var (
	// ErrMalformedToken covers undecodable or structurally invalid tokens.
	ErrMalformedToken = fault.Invalid("malformed capability token")

	// ErrTokenSignature is returned when any block's signature or the
	// proof key does not check out.
	ErrTokenSignature = fault.Crypto("capability token signature invalid")

	// ErrTokenRevoked is returned for tokens on the revocation list.
	ErrTokenRevoked = fault.Authorization("capability token revoked")
)

func blockMessage(payload, nextKey []byte) []byte {
	sum := digest.Sum(digest.DomainToken, payload, nextKey)
	return sum[:]
}

func appendBlock(t *token, signer ed25519.PrivateKey, random io.Reader, block Block) error {
	payload, err := codec.Marshal(block)
	if err != nil {
		return fault.Serialization("encoding token block: %v", err)
	}
	nextPublic, nextPrivate, err := ed25519.GenerateKey(random)
	if err != nil {
		return fault.Internal("generating token block key: %v", err)
	}
	t.Blocks = append(t.Blocks, signedBlock{
		Payload:   payload,
		NextKey:   nextPublic,
		Signature: ed25519.Sign(signer, blockMessage(payload, nextPublic)),
	})
	t.Proof = nextPrivate
	return nil
}

// Mint issues a new token whose first block is signed by root.
func Mint(root ed25519.PrivateKey, random io.Reader, block Block) ([]byte, error) {
	var minted token
	if err := appendBlock(&minted, root, random, block); err != nil {
		return nil, err
	}
	return codec.Marshal(minted)
}

// Attenuate appends a block to an existing token. The holder needs no
// key besides the proof carried in the token itself.
func Attenuate(data []byte, random io.Reader, block Block) ([]byte, error) {
	parsed, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := appendBlock(parsed, ed25519.PrivateKey(parsed.Proof), random, block); err != nil {
		return nil, err
	}
	return codec.Marshal(parsed)
}

func decode(data []byte) (*token, error) {
	var parsed token
	if err := codec.Unmarshal(data, &parsed); err != nil {
		return nil, ErrMalformedToken
	}
	if len(parsed.Blocks) == 0 || len(parsed.Proof) != ed25519.PrivateKeySize {
		return nil, ErrMalformedToken
	}
	for _, block := range parsed.Blocks {
		if len(block.NextKey) != ed25519.PublicKeySize || len(block.Signature) != ed25519.SignatureSize {
			return nil, ErrMalformedToken
		}
	}
	return &parsed, nil
}

// ID returns the stable identifier of a token: the hash of its first
// block's signature. Attenuated tokens share the id of their origin,
// so revoking the origin revokes every attenuation.
func ID(data []byte) (digest.Hash, error) {
	parsed, err := decode(data)
	if err != nil {
		return digest.Hash{}, err
	}
	return digest.Sum(digest.DomainToken, []byte("id"), parsed.Blocks[0].Signature), nil
}

// Verifier checks tokens issued under one root key.
type Verifier struct {
	Root    ed25519.PublicKey
	Revoked *RevocationList
}

// Verify checks the signature chain of data and evaluates request
// against every block. Signature and structure problems are errors; a
// well-formed token that does not grant the request returns a Result
// with Authorized false and a Reason.
func (v Verifier) Verify(data []byte, request Request, now time.Time) (Result, error) {
	parsed, err := decode(data)
	if err != nil {
		return Result{}, err
	}

	signer := v.Root
	blocks := make([]Block, len(parsed.Blocks))
	for i, signed := range parsed.Blocks {
		if len(signer) != ed25519.PublicKeySize ||
			!ed25519.Verify(signer, blockMessage(signed.Payload, signed.NextKey), signed.Signature) {
			return Result{}, ErrTokenSignature
		}
		if err := codec.Unmarshal(signed.Payload, &blocks[i]); err != nil {
			return Result{}, ErrMalformedToken
		}
		signer = signed.NextKey
	}
	proofPublic := ed25519.PrivateKey(parsed.Proof).Public().(ed25519.PublicKey)
	if !proofPublic.Equal(signer) {
		return Result{}, ErrTokenSignature
	}

	id := digest.Sum(digest.DomainToken, []byte("id"), parsed.Blocks[0].Signature)
	if v.Revoked.IsRevoked(id) {
		return Result{}, ErrTokenRevoked
	}

	depth := uint32(len(blocks) - 1)
	result := Result{DelegationDepth: depth}
	if limit := blocks[0].MaxDepth; limit != nil && depth > *limit {
		result.Reason = "delegation depth exceeded"
		return result, nil
	}
	nowMillis := now.UnixMilli()
	for i, block := range blocks {
		if block.ExpiresAt != 0 && nowMillis >= block.ExpiresAt {
			result.Reason = "token expired"
			return result, nil
		}
		if !MatchAny(block.Actions, request.Action) {
			result.Reason = "action not granted"
			if i > 0 {
				result.Reason = "action removed by attenuation"
			}
			return result, nil
		}
		if len(block.Resources) > 0 && !MatchAny(block.Resources, request.Resource) {
			result.Reason = "resource out of scope"
			return result, nil
		}
	}
	result.Authorized = true
	return result, nil
}
