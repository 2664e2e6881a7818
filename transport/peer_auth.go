// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/keystore"
	"github.com/bureau-foundation/quorum/lib/version"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authTimeout is the maximum time allowed for the entire handshake.
// A connection that has not authenticated by then is closed.
const authTimeout = 10 * time.Second

// handshakeFrameLimit bounds the two handshake frames.
const handshakeFrameLimit = 4096

// authContext prefixes every signed challenge so a handshake signature
// can never be mistaken for a signature over a tree op or a fact.
var authContext = []byte("quorum transport auth v1")

// greeting is the first frame each side sends.
type greeting struct {
	Hello     version.Hello     `cbor:"1,keyasint"`
	Device    ident.DeviceID    `cbor:"2,keyasint"`
	PublicKey ed25519.PublicKey `cbor:"3,keyasint"`
	Nonce     []byte            `cbor:"4,keyasint"`
}

// peerIdentity is what a completed handshake proves about the remote
// side.
type peerIdentity struct {
	Device    ident.DeviceID
	PublicKey ed25519.PublicKey
	Protocol  uint16
}

// challenge is the message a device signs to answer nonce from
// challenger.
func challenge(nonce []byte, challenger ident.DeviceID) []byte {
	message := make([]byte, 0, len(authContext)+len(nonce)+len(challenger.Bytes()))
	message = append(message, authContext...)
	message = append(message, nonce...)
	message = append(message, challenger.Bytes()...)
	return message
}

// runPeerAuth executes the mutual handshake on channel. Both peers run
// it at the same time:
//
//  1. Send a greeting: hello, device id, public key and a fresh nonce
//  2. Read the peer's greeting and check its protocol range and that
//     its device id is the one derived from its key
//  3. Sign the peer's nonce bound to the peer's device id
//  4. Send the 64-byte signature
//  5. Read the peer's signature and verify it over our own nonce and
//     device id with the key the peer presented
//
// expected, when not zero, is the device the caller meant to reach;
// any other identity is refused.
//
// Writes run on a background goroutine so the handshake completes on
// synchronous channels such as net.Pipe, where a Write blocks until
// the peer Reads.
func runPeerAuth(channel io.ReadWriter, signer effect.Signer, local version.Hello, expected ident.DeviceID) (peerIdentity, error) {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return peerIdentity{}, fmt.Errorf("generating auth nonce: %w", err)
	}
	hello, err := codec.Marshal(greeting{
		Hello:     local,
		Device:    signer.Device(),
		PublicKey: signer.Public(),
		Nonce:     nonce,
	})
	if err != nil {
		return peerIdentity{}, fmt.Errorf("encoding greeting: %w", err)
	}

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)
	go func() {
		if err := writeFrame(channel, hello, handshakeFrameLimit); err != nil {
			writeErrors <- fmt.Errorf("sending greeting: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			writeErrors <- nil
			return
		}
		if err := writeFrame(channel, signature, handshakeFrameLimit); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peer, err := readGreeting(channel, local, expected)
	if err != nil {
		close(signatureToSend)
		return peerIdentity{}, err
	}
	signatureToSend <- signer.Sign(challenge(peer.nonce, peer.identity.Device))

	peerSignature, err := readFrame(channel, handshakeFrameLimit)
	if err != nil {
		return peerIdentity{}, fmt.Errorf("reading peer signature: %w", err)
	}
	if err := <-writeErrors; err != nil {
		return peerIdentity{}, err
	}
	if !ed25519.Verify(peer.identity.PublicKey, challenge(nonce, signer.Device()), peerSignature) {
		return peerIdentity{}, fmt.Errorf("peer %s failed authentication", peer.identity.Device.Short())
	}
	return peer.identity, nil
}

type peerGreeting struct {
	identity peerIdentity
	nonce    []byte
}

func readGreeting(channel io.Reader, local version.Hello, expected ident.DeviceID) (peerGreeting, error) {
	data, err := readFrame(channel, handshakeFrameLimit)
	if err != nil {
		return peerGreeting{}, fmt.Errorf("reading peer greeting: %w", err)
	}
	var remote greeting
	if err := codec.Unmarshal(data, &remote); err != nil {
		return peerGreeting{}, fmt.Errorf("decoding peer greeting: %w", err)
	}
	protocol, err := version.Negotiate(local, remote.Hello)
	if err != nil {
		return peerGreeting{}, err
	}
	if len(remote.PublicKey) != ed25519.PublicKeySize || len(remote.Nonce) != authNonceSize {
		return peerGreeting{}, fmt.Errorf("malformed greeting from %s", remote.Device.Short())
	}
	if keystore.DeviceIDFor(remote.PublicKey) != remote.Device {
		return peerGreeting{}, fmt.Errorf("peer claims device %s with a key that is not its own", remote.Device.Short())
	}
	if !expected.IsZero() && remote.Device != expected {
		return peerGreeting{}, fmt.Errorf("dialed %s but reached %s", expected.Short(), remote.Device.Short())
	}
	return peerGreeting{
		identity: peerIdentity{Device: remote.Device, PublicKey: remote.PublicKey, Protocol: protocol},
		nonce:    remote.Nonce,
	}, nil
}
