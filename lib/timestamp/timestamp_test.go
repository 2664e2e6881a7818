// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timestamp

import (
	"bytes"
	"sync"
	"testing"

	"github.com/bureau-foundation/quorum/lib/codec"
)

func TestCompareWithinKind(t *testing.T) {
	tests := []struct {
		name string
		a, b TimeStamp
		want int
	}{
		{"physical", AtPhysical(10), AtPhysical(20), -1},
		{"logical", AtLamport(7), AtLamport(7), 0},
		{"order", AtOrder(OrderTime{2}), AtOrder(OrderTime{1}), 1},
		{"range earliest", Between(1, 9), Between(2, 3), -1},
		{"range latest", Between(1, 9), Between(1, 3), 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok := test.a.Compare(test.b)
			if !ok {
				t.Fatal("Compare reported kinds as incomparable")
			}
			if got != test.want {
				t.Errorf("Compare = %d, want %d", got, test.want)
			}
		})
	}
}

func TestCompareAcrossKindsIsUndefined(t *testing.T) {
	if _, ok := AtPhysical(1).Compare(AtLamport(1)); ok {
		t.Fatal("physical and logical timestamps compared as ordered")
	}
}

func TestValidate(t *testing.T) {
	if err := AtPhysical(5).Validate(); err != nil {
		t.Errorf("Validate(physical): %v", err)
	}
	broken := TimeStamp{Kind: KindLogical, Physical: &Physical{Millis: 1}}
	if err := broken.Validate(); err == nil {
		t.Error("Validate accepted a mismatched variant")
	}
	if err := Between(9, 1).Validate(); err == nil {
		t.Error("Validate accepted an inverted range")
	}
	two := AtLamport(1)
	two.Physical = &Physical{Millis: 1}
	if err := two.Validate(); err == nil {
		t.Error("Validate accepted two variants")
	}
}

func TestTimeStampRoundTrip(t *testing.T) {
	uncertainty := uint64(15)
	original := TimeStamp{Kind: KindPhysical, Physical: &Physical{Millis: 1700000000000, Uncertainty: &uncertainty}}
	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded TimeStamp
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c, ok := decoded.Compare(original); !ok || c != 0 || *decoded.Physical.Uncertainty != 15 {
		t.Fatalf("round trip = %v, want %v", decoded, original)
	}
}

func TestNewOrderTime(t *testing.T) {
	order, err := NewOrderTime(bytes.NewReader(bytes.Repeat([]byte{7}, 32)))
	if err != nil {
		t.Fatalf("NewOrderTime: %v", err)
	}
	parsed, err := ParseOrderTime(order.String())
	if err != nil {
		t.Fatalf("ParseOrderTime: %v", err)
	}
	if parsed != order {
		t.Fatal("order time did not round trip through its text form")
	}
}

func TestLamportClock(t *testing.T) {
	clock := NewLamportClock(0)
	if got := clock.Tick().Lamport; got != 1 {
		t.Fatalf("first Tick = %d, want 1", got)
	}
	clock.Observe(Logical{Lamport: 10})
	if got := clock.Tick().Lamport; got != 11 {
		t.Fatalf("Tick after Observe(10) = %d, want 11", got)
	}
	// Observing an older value changes nothing.
	clock.Observe(Logical{Lamport: 3})
	if got := clock.Current().Lamport; got != 11 {
		t.Fatalf("Current = %d, want 11", got)
	}
}

func TestLamportClockConcurrentTicksAreUnique(t *testing.T) {
	clock := NewLamportClock(0)
	const workers, perWorker = 8, 100
	seen := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				seen <- clock.Tick().Lamport
			}
		}()
	}
	wg.Wait()
	close(seen)
	values := make(map[uint64]bool)
	for value := range seen {
		if values[value] {
			t.Fatalf("duplicate lamport value %d", value)
		}
		values[value] = true
	}
}
