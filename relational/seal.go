// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"context"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// NonceSize is the XChaCha20-Poly1305 nonce length.
const NonceSize = 24

// KeySize is the channel key length.
const KeySize = 32

// AEAD seals and opens with a 24-byte nonce. The crypto effect
// implements it.
type AEAD interface {
	Seal(ctx context.Context, key, nonce, plaintext, additionalData []byte) ([]byte, error)
	Open(ctx context.Context, key, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// KeyDeriver derives key material. The crypto effect implements it.
type KeyDeriver interface {
	DeriveKey(ctx context.Context, secret, salt, info []byte, length int) ([]byte, error)
}

// Nonce derives the message nonce for a ratchet generation within a
// channel epoch. A nonce is never reused as long as generations are
// not, since each (epoch, generation) pair is used for one message.
func Nonce(contextID ident.ContextID, channel ident.ChannelID, epoch, generation uint64) []byte {
	hash := digest.Sum(digest.DomainNonce, contextID.Bytes(), channel.Bytes(), digest.Uint64(epoch), digest.Uint64(generation))
	return hash[:NonceSize]
}

// ChannelKey derives the key for one channel epoch from a group
// secret.
func ChannelKey(ctx context.Context, kdf KeyDeriver, secret []byte, contextID ident.ContextID, channel ident.ChannelID, epoch uint64) ([]byte, error) {
	info := append([]byte("quorum channel key "), channel.Bytes()...)
	info = append(info, digest.Uint64(epoch)...)
	return kdf.DeriveKey(ctx, secret, contextID.Bytes(), info, KeySize)
}

// SealedMessage is a channel message on the wire.
type SealedMessage struct {
	Context    ident.ContextID `cbor:"1,keyasint"`
	Channel    ident.ChannelID `cbor:"2,keyasint"`
	Epoch      uint64          `cbor:"3,keyasint"`
	Generation uint64          `cbor:"4,keyasint"`
	Ciphertext []byte          `cbor:"5,keyasint"`
}

type sealedHeader struct {
	Context    ident.ContextID `cbor:"1,keyasint"`
	Channel    ident.ChannelID `cbor:"2,keyasint"`
	Epoch      uint64          `cbor:"3,keyasint"`
	Generation uint64          `cbor:"4,keyasint"`
}

func (m SealedMessage) header() []byte {
	return codec.MustMarshal(sealedHeader{Context: m.Context, Channel: m.Channel, Epoch: m.Epoch, Generation: m.Generation})
}

var (
	// ErrChannelNotBootstrapped is returned when sealing on a channel
	// that has no bootstrap.
	ErrChannelNotBootstrapped = fault.Invalid("channel is not bootstrapped")

	// ErrGenerationOutOfWindow is returned for generations before the
	// last checkpoint or beyond the skip window.
	ErrGenerationOutOfWindow = fault.Invalid("ratchet generation outside the channel window")

	// ErrEpochMismatch is returned when a message belongs to another
	// channel epoch.
	ErrEpochMismatch = fault.Invalid("message is for a different channel epoch")
)

func checkGeneration(state ChannelEpoch, generation uint64) error {
	if state.Bootstrap == nil {
		return ErrChannelNotBootstrapped
	}
	if generation <= state.LastCheckpointGen && state.LastCheckpointGen != 0 {
		return ErrGenerationOutOfWindow
	}
	if generation > state.CurrentGen+uint64(state.SkipWindow) {
		return ErrGenerationOutOfWindow
	}
	return nil
}

// SealChannelMessage seals plaintext for the channel's current epoch at
// generation.
func SealChannelMessage(ctx context.Context, aead AEAD, key []byte, contextID ident.ContextID, state ChannelEpoch, generation uint64, plaintext []byte) (SealedMessage, error) {
	if err := checkGeneration(state, generation); err != nil {
		return SealedMessage{}, err
	}
	message := SealedMessage{Context: contextID, Channel: state.Channel, Epoch: state.Epoch, Generation: generation}
	nonce := Nonce(contextID, state.Channel, state.Epoch, generation)
	ciphertext, err := aead.Seal(ctx, key, nonce, plaintext, message.header())
	if err != nil {
		return SealedMessage{}, fault.Wrapf(fault.KindCrypto, err, "sealing channel message")
	}
	message.Ciphertext = ciphertext
	return message, nil
}

// OpenChannelMessage opens a message sealed for the channel's current
// epoch.
func OpenChannelMessage(ctx context.Context, aead AEAD, key []byte, state ChannelEpoch, message SealedMessage) ([]byte, error) {
	if message.Channel != state.Channel || message.Epoch != state.Epoch {
		return nil, ErrEpochMismatch
	}
	if err := checkGeneration(state, message.Generation); err != nil {
		return nil, err
	}
	nonce := Nonce(message.Context, message.Channel, message.Epoch, message.Generation)
	plaintext, err := aead.Open(ctx, key, nonce, message.Ciphertext, message.header())
	if err != nil {
		return nil, fault.Wrapf(fault.KindCrypto, err, "opening channel message")
	}
	return plaintext, nil
}
