// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"log/slog"
	"slices"
	"testing"

	"github.com/bureau-foundation/quorum/lib/fault"
)

type consoleStub struct{ mode Mode }

func (c consoleStub) Mode() Mode           { return c.mode }
func (c consoleStub) Logger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type bareStub struct{ mode Mode }

func (b bareStub) Mode() Mode { return b.mode }

func TestRegisterRejectsModeMismatch(t *testing.T) {
	registry := NewRegistry(ModeSimulation)
	err := registry.Register(TypeConsole, consoleStub{mode: ModeProduction})
	if !fault.IsKind(err, fault.KindInvalid) {
		t.Fatalf("Register = %v, want an invalid fault", err)
	}
	if err := registry.Register(TypeConsole, consoleStub{mode: ModeSimulation}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterRejectsWrongInterface(t *testing.T) {
	registry := NewRegistry(ModeTesting)
	if err := registry.Register(TypeConsole, bareStub{mode: ModeTesting}); err == nil {
		t.Fatal("Register accepted a handler that has no Logger")
	}
	if err := registry.Register(Type("telepathy"), consoleStub{mode: ModeTesting}); err == nil {
		t.Fatal("Register accepted an unknown effect type")
	}
}

func TestLookupAndSupports(t *testing.T) {
	registry := NewRegistry(ModeTesting)
	if err := registry.Register(TypeConsole, consoleStub{mode: ModeTesting}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !registry.Supports(TypeConsole, "log") {
		t.Error("Supports(console, log) = false")
	}
	if registry.Supports(TypeConsole, "shout") {
		t.Error("Supports accepted an operation outside the canonical list")
	}
	if registry.Supports(TypeCrypto, "hash") {
		t.Error("Supports reported an unregistered type")
	}
	if _, err := registry.Lookup(TypeConsole, "log"); err != nil {
		t.Errorf("Lookup: %v", err)
	}
	if _, err := registry.Lookup(TypeCrypto, "hash"); err == nil {
		t.Error("Lookup found a handler that was never registered")
	}
	if got := registry.Types(); !slices.Equal(got, []Type{TypeConsole}) {
		t.Errorf("Types = %v", got)
	}
}

func TestComposeRequiresEveryType(t *testing.T) {
	registry := NewRegistry(ModeTesting)
	if err := registry.Register(TypeConsole, consoleStub{mode: ModeTesting}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := registry.Compose(nil); err == nil {
		t.Fatal("Compose accepted a nil signer")
	}
}

func TestOperationsCoverEveryType(t *testing.T) {
	for _, effectType := range []Type{
		TypeTime, TypeRandom, TypeCrypto, TypeStorage, TypeNetwork, TypeJournal,
		TypeTree, TypeAuthorization, TypeLeakage, TypeConsole, TypeSystem,
	} {
		if len(Operations[effectType]) == 0 {
			t.Errorf("no operations listed for %s", effectType)
		}
	}
	if len(Operations) != 11 {
		t.Errorf("Operations has %d types, want 11", len(Operations))
	}
}

func TestModeString(t *testing.T) {
	if ModeSimulation.String() != "simulation" || Mode(9).String() != "mode(9)" {
		t.Fatalf("unexpected mode names %q %q", ModeSimulation, Mode(9))
	}
}
