// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Crypto("signature from %s does not verify", "device:01")
	wrapped := fmt.Errorf("applying op: %w", base)

	if got := KindOf(wrapped); got != KindCrypto {
		t.Fatalf("KindOf = %s, want crypto", got)
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("errors.Is lost the original error")
	}
}

func TestWrapNeverReplacesKind(t *testing.T) {
	inner := Authorization("flow budget exhausted")
	outer := Wrap(KindNetwork, fmt.Errorf("sending: %w", inner))
	if got := KindOf(outer); got != KindAuthorization {
		t.Fatalf("KindOf = %s, want authorization", got)
	}

	plain := Wrapf(KindStorage, errors.New("disk full"), "writing %s", "fact/x")
	if got := KindOf(plain); got != KindStorage {
		t.Fatalf("KindOf = %s, want storage", got)
	}
	if plain.Error() != "writing fact/x: disk full" {
		t.Errorf("message = %q", plain.Error())
	}
	if Wrap(KindStorage, nil) != nil || Wrapf(KindStorage, nil, "x") != nil {
		t.Error("wrapping nil produced an error")
	}
}

func TestRetriablePosture(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Network("peer unreachable"), true},
		{Storage("busy"), true},
		{Crypto("bad signature"), false},
		{Authorization("denied"), false},
		{Internal("invariant"), false},
		{Network("protocol violation").WithRetriable(false), false},
		{Coordination("lost race").WithRetriable(true), true},
		{errors.New("unclassified"), false},
	}
	for _, test := range tests {
		if got := IsRetriable(test.err); got != test.want {
			t.Errorf("IsRetriable(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestExitCodesAreDistinct(t *testing.T) {
	kinds := []Kind{
		KindInvalid, KindSerialization, KindCrypto, KindStorage,
		KindNetwork, KindAuthorization, KindCoordination, KindInternal,
	}
	seen := make(map[int]Kind)
	for _, kind := range kinds {
		code := kind.ExitCode()
		if code == 0 {
			t.Errorf("%s exits 0", kind)
		}
		if previous, ok := seen[code]; ok {
			t.Errorf("%s and %s share exit code %d", kind, previous, code)
		}
		seen[code] = kind
	}
}

func TestToRecord(t *testing.T) {
	record := ToRecord(fmt.Errorf("ceremony: %w", Coordination("insufficient participants")))
	if record.Kind != KindCoordination || record.Retriable {
		t.Fatalf("record = %+v", record)
	}
	if record.Message != "ceremony: insufficient participants" {
		t.Errorf("Message = %q", record.Message)
	}
	if ToRecord(errors.New("x")).Kind != KindInternal {
		t.Error("unclassified errors should be internal")
	}
}

func TestSentinelMatching(t *testing.T) {
	sentinel := Authorization("capability denied")
	returned := fmt.Errorf("send guard: %w", Authorization("capability denied"))
	if !errors.Is(returned, sentinel) {
		t.Fatal("errors.Is did not match an equal sentinel")
	}
	if errors.Is(returned, Authorization("something else")) {
		t.Fatal("errors.Is matched a different message")
	}
}
