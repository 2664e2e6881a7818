// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreo

import (
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/lib/version"
)

// Envelope is the unit every frame carries.
type Envelope struct {
	Version   uint16              `cbor:"1,keyasint"`
	Session   *ident.SessionID    `cbor:"2,keyasint,omitempty"`
	Role      uint8               `cbor:"3,keyasint"`
	Sequence  uint64              `cbor:"4,keyasint"`
	Timestamp timestamp.TimeStamp `cbor:"5,keyasint"`
	Payload   []byte              `cbor:"6,keyasint"`
}

// Body is the payload of an in-session envelope.
type Body struct {
	Protocol string          `cbor:"1,keyasint"`
	Label    string          `cbor:"2,keyasint"`
	Context  ident.ContextID `cbor:"3,keyasint"`
	Data     []byte          `cbor:"4,keyasint,omitempty"`
}

// EncodeEnvelope serializes envelope and body into a frame.
func EncodeEnvelope(envelope Envelope, body Body) ([]byte, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return nil, fault.Wrapf(fault.KindSerialization, err, "encoding %s body", body.Label)
	}
	envelope.Payload = payload
	frame, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fault.Wrapf(fault.KindSerialization, err, "encoding envelope")
	}
	return frame, nil
}

// DecodeEnvelope parses a frame. Envelopes newer than this build can
// read, or older than it still accepts, are rejected.
func DecodeEnvelope(frame []byte) (Envelope, Body, error) {
	var envelope Envelope
	if err := codec.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, Body{}, fault.Wrapf(fault.KindSerialization, err, "decoding envelope")
	}
	if envelope.Version < version.MinProtocol || envelope.Version > version.Protocol {
		return Envelope{}, Body{}, fault.Network("envelope version %d outside %d-%d",
			envelope.Version, version.MinProtocol, version.Protocol).WithRetriable(false)
	}
	if err := envelope.Timestamp.Validate(); err != nil {
		return Envelope{}, Body{}, fault.Wrapf(fault.KindInvalid, err, "envelope timestamp")
	}
	if envelope.Session == nil {
		return envelope, Body{}, nil
	}
	var body Body
	if err := codec.Unmarshal(envelope.Payload, &body); err != nil {
		return Envelope{}, Body{}, fault.Wrapf(fault.KindSerialization, err, "decoding envelope body")
	}
	return envelope, body, nil
}
