// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy

import (
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

// Offer is the digest message.
type Offer struct {
	Digests []Digest `cbor:"1,keyasint"`
}

// Batch carries facts of one namespace.
type Batch struct {
	Namespace fact.Namespace `cbor:"1,keyasint"`
	Facts     []fact.Fact    `cbor:"2,keyasint"`
}

// Want names facts of one namespace the sender lacks.
type Want struct {
	Namespace fact.Namespace        `cbor:"1,keyasint"`
	IDs       []timestamp.OrderTime `cbor:"2,keyasint"`
}

// Reply answers an offer.
type Reply struct {
	Batches []Batch `cbor:"1,keyasint,omitempty"`
	Want    []Want  `cbor:"2,keyasint,omitempty"`
}

// Push is the facts message.
type Push struct {
	Batches []Batch `cbor:"1,keyasint,omitempty"`
}

func encode(label string, value any) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, fault.Serialization("encoding sync %s: %v", label, err)
	}
	return data, nil
}

func decode[T any](label string, data []byte) (T, error) {
	var value T
	if err := codec.Unmarshal(data, &value); err != nil {
		return value, fault.Serialization("decoding sync %s: %v", label, err)
	}
	return value, nil
}
