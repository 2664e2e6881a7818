// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timestamp

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"io"
)

// Kind identifies which clock produced a TimeStamp.
type Kind uint8

const (
	KindPhysical Kind = iota + 1
	KindLogical
	KindOrder
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindLogical:
		return "logical"
	case KindOrder:
		return "order"
	case KindRange:
		return "range"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Physical is a wall-clock reading in Unix milliseconds with an
// optional uncertainty bound.
type Physical struct {
	Millis      uint64  `cbor:"1,keyasint"`
	Uncertainty *uint64 `cbor:"2,keyasint,omitempty"`
}

// Logical is a Lamport clock reading.
type Logical struct {
	Lamport uint64 `cbor:"1,keyasint"`
}

// Range bounds an event between two wall-clock readings.
type Range struct {
	EarliestMillis uint64 `cbor:"1,keyasint"`
	LatestMillis   uint64 `cbor:"2,keyasint"`
}

// OrderTime is a 32-byte opaque tag used as a total tie-breaker and as
// the identifier of a fact.
type OrderTime [32]byte

// NewOrderTime reads a random tag from r.
func NewOrderTime(r io.Reader) (OrderTime, error) {
	var order OrderTime
	if _, err := io.ReadFull(r, order[:]); err != nil {
		return order, fmt.Errorf("generating order time: %w", err)
	}
	return order, nil
}

// Compare orders tags bytewise.
func (o OrderTime) Compare(other OrderTime) int {
	return bytes.Compare(o[:], other[:])
}

// String returns the lowercase hex form.
func (o OrderTime) String() string {
	return hex.EncodeToString(o[:])
}

// Short returns the first 12 hex characters.
func (o OrderTime) Short() string {
	return hex.EncodeToString(o[:6])
}

// IsZero reports whether the tag is unset.
func (o OrderTime) IsZero() bool {
	return o == OrderTime{}
}

// MarshalText implements encoding.TextMarshaler.
func (o OrderTime) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OrderTime) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderTime(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOrderTime parses the 64-character hex form.
func ParseOrderTime(text string) (OrderTime, error) {
	var order OrderTime
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return order, fmt.Errorf("parsing order time: %w", err)
	}
	if len(decoded) != len(order) {
		return order, fmt.Errorf("order time is %d bytes, want %d", len(decoded), len(order))
	}
	copy(order[:], decoded)
	return order, nil
}

// TimeStamp is exactly one of the four clock readings. Kind selects
// the variant; the matching pointer field is the only one set.
type TimeStamp struct {
	Kind     Kind       `cbor:"1,keyasint"`
	Physical *Physical  `cbor:"2,keyasint,omitempty"`
	Logical  *Logical   `cbor:"3,keyasint,omitempty"`
	Order    *OrderTime `cbor:"4,keyasint,omitempty"`
	Range    *Range     `cbor:"5,keyasint,omitempty"`
}

// AtPhysical returns a physical timestamp.
func AtPhysical(millis uint64) TimeStamp {
	return TimeStamp{Kind: KindPhysical, Physical: &Physical{Millis: millis}}
}

// AtLamport returns a logical timestamp.
func AtLamport(lamport uint64) TimeStamp {
	return TimeStamp{Kind: KindLogical, Logical: &Logical{Lamport: lamport}}
}

// AtOrder returns an order timestamp.
func AtOrder(order OrderTime) TimeStamp {
	return TimeStamp{Kind: KindOrder, Order: &order}
}

// Between returns a range timestamp.
func Between(earliestMillis, latestMillis uint64) TimeStamp {
	return TimeStamp{Kind: KindRange, Range: &Range{EarliestMillis: earliestMillis, LatestMillis: latestMillis}}
}

// Validate checks that exactly the variant named by Kind is present.
func (t TimeStamp) Validate() error {
	set := 0
	for _, present := range []bool{t.Physical != nil, t.Logical != nil, t.Order != nil, t.Range != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("timestamp has %d variants set, want 1", set)
	}
	var ok bool
	switch t.Kind {
	case KindPhysical:
		ok = t.Physical != nil
	case KindLogical:
		ok = t.Logical != nil
	case KindOrder:
		ok = t.Order != nil
	case KindRange:
		ok = t.Range != nil && t.Range.EarliestMillis <= t.Range.LatestMillis
	}
	if !ok {
		return fmt.Errorf("timestamp kind %s does not match its variant", t.Kind)
	}
	return nil
}

// Compare orders two timestamps of the same kind. The second result is
// false when the kinds differ, in which case no order is defined.
// Ranges compare by earliest bound, then latest.
func (t TimeStamp) Compare(other TimeStamp) (int, bool) {
	if t.Kind != other.Kind || t.Validate() != nil || other.Validate() != nil {
		return 0, false
	}
	switch t.Kind {
	case KindPhysical:
		return cmp.Compare(t.Physical.Millis, other.Physical.Millis), true
	case KindLogical:
		return cmp.Compare(t.Logical.Lamport, other.Logical.Lamport), true
	case KindOrder:
		return t.Order.Compare(*other.Order), true
	case KindRange:
		if c := cmp.Compare(t.Range.EarliestMillis, other.Range.EarliestMillis); c != 0 {
			return c, true
		}
		return cmp.Compare(t.Range.LatestMillis, other.Range.LatestMillis), true
	}
	return 0, false
}

// String renders the timestamp for logs.
func (t TimeStamp) String() string {
	switch {
	case t.Kind == KindPhysical && t.Physical != nil:
		return fmt.Sprintf("physical:%d", t.Physical.Millis)
	case t.Kind == KindLogical && t.Logical != nil:
		return fmt.Sprintf("lamport:%d", t.Logical.Lamport)
	case t.Kind == KindOrder && t.Order != nil:
		return "order:" + t.Order.Short()
	case t.Kind == KindRange && t.Range != nil:
		return fmt.Sprintf("range:%d-%d", t.Range.EarliestMillis, t.Range.LatestMillis)
	}
	return "invalid"
}
