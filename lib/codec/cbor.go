// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// The encoder follows the core deterministic profile of RFC 8949 §4.2:
// shortest integer forms, sorted map keys, no indefinite lengths. Two
// devices encoding the same fact produce the same bytes, which is what
// makes content-addressed ids work.
var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	options := cbor.CoreDetEncOptions()
	options.TextMarshaler = cbor.TextMarshalerTextString
	mode, err := options.EncMode()
	if err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}
	return mode
}

// The decoder rejects duplicate map keys, since two encodings that
// differ only in a repeated key would otherwise reduce to one value
// under two ids.
func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
	return mode
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal is Marshal for values whose encoding cannot fail
// (fixed structs of plain fields). It panics otherwise.
func MustMarshal(v any) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("codec: marshaling %T: %v", v, err))
	}
	return data
}

// Unmarshal decodes data into v. Trailing bytes after the first item
// are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the diagnostic notation (RFC 8949 §8) for data.
// The export command uses it to render journals for humans.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
