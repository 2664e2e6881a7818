// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/keystore"
	"github.com/bureau-foundation/quorum/lib/kvstore"
	"github.com/bureau-foundation/quorum/lib/testutil"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/lib/timestamp"
)

func testSigner(n byte) *KeySigner {
	return NewKeySigner(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{n}, ed25519.SeedSize)))
}

func TestSeededRandomIsDeterministic(t *testing.T) {
	a := NewSeededRandom(effect.ModeSimulation, 7, []byte("device"))
	b := NewSeededRandom(effect.ModeSimulation, 7, []byte("device"))
	c := NewSeededRandom(effect.ModeSimulation, 8, []byte("device"))
	first, second, third := a.Bytes(32), b.Bytes(32), c.Bytes(32)
	if !bytes.Equal(first, second) {
		t.Fatal("equal seeds produced different streams")
	}
	if bytes.Equal(first, third) {
		t.Fatal("different seeds produced the same stream")
	}
	if a.UUID() != b.UUID() {
		t.Fatal("seeded UUIDs differ")
	}
}

func TestRandomRange(t *testing.T) {
	random := NewSeededRandom(effect.ModeTesting, 1, nil)
	for range 1000 {
		if v := random.Range(10, 13); v < 10 || v >= 13 {
			t.Fatalf("Range(10, 13) = %d", v)
		}
	}
	defer func() {
		if recover() == nil {
			t.Error("Range accepted an empty range")
		}
	}()
	random.Range(5, 5)
}

func TestCryptoSealOpen(t *testing.T) {
	ctx := context.Background()
	crypto := NewCrypto(effect.ModeTesting, NewSeededRandom(effect.ModeTesting, 1, nil))
	key, err := crypto.DeriveKey(ctx, []byte("secret"), []byte("salt"), []byte("info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	nonce := make([]byte, 24)
	sealed, err := crypto.Seal(ctx, key, nonce, []byte("hello"), []byte("header"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := crypto.Open(ctx, key, nonce, sealed, []byte("header"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "hello" {
		t.Fatalf("Open = %q", opened)
	}
	if _, err := crypto.Open(ctx, key, nonce, sealed, []byte("other header")); !fault.IsKind(err, fault.KindCrypto) {
		t.Fatalf("Open with wrong associated data = %v, want a crypto fault", err)
	}
	if _, err := crypto.Seal(ctx, key, nonce[:12], nil, nil); err == nil {
		t.Fatal("Seal accepted a short nonce")
	}
}

func TestCryptoThresholdRoundTrip(t *testing.T) {
	crypto := NewCrypto(effect.ModeTesting, NewSeededRandom(effect.ModeTesting, 2, nil))
	signers := []*KeySigner{testSigner(1), testSigner(2)}
	message := []byte("op")
	keys := map[ident.DeviceID]ed25519.PublicKey{}
	var shares []threshold.Share
	for _, signer := range signers {
		keys[signer.Device()] = signer.Public()
		shares = append(shares, crypto.ThresholdSign(signer.PrivateKey(), signer.Device(), message))
	}
	signature, err := crypto.ThresholdAggregate(shares)
	if err != nil {
		t.Fatalf("ThresholdAggregate: %v", err)
	}
	if err := crypto.ThresholdVerify(message, signature, keys, 2); err != nil {
		t.Fatalf("ThresholdVerify: %v", err)
	}
	nonce, commitment, err := crypto.ThresholdCommit(signers[0].Device())
	if err != nil {
		t.Fatalf("ThresholdCommit: %v", err)
	}
	if !commitment.Opens(nonce) {
		t.Fatal("commitment does not open with its nonce")
	}
}

func TestTimeHandler(t *testing.T) {
	fake := clock.Fake(TestEpoch)
	handler := NewTime(effect.ModeTesting, fake, NewSeededRandom(effect.ModeTesting, 3, nil))
	first, second := handler.Logical(), handler.Logical()
	if c, _ := first.Compare(second); c >= 0 {
		t.Fatalf("Logical went from %s to %s", first, second)
	}
	handler.Observe(timestamp.Logical{Lamport: second.Logical.Lamport + 10})
	if got := handler.Logical().Logical.Lamport; got != second.Logical.Lamport+11 {
		t.Fatalf("Logical after Observe = %d", got)
	}
	if got := handler.Physical().Physical.Millis; got != uint64(TestEpoch.UnixMilli()) {
		t.Fatalf("Physical = %d", got)
	}

	done := make(chan error, 1)
	go func() { done <- handler.Sleep(context.Background(), time.Second) }()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Sleep did not return"); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := handler.Sleep(ctx, time.Hour); err == nil {
		t.Fatal("Sleep ignored a cancelled context")
	}
}

func TestMemoryHub(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	a := hub.Endpoint(effect.ModeTesting, testSigner(1).Device())
	b := hub.Endpoint(effect.ModeTesting, testSigner(2).Device())
	if err := a.Connect(ctx, b.Device(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := a.Peers(); len(got) != 1 || got[0] != b.Device() {
		t.Fatalf("Peers = %v", got)
	}
	if err := a.Send(ctx, b.Device(), []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	inbound, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if inbound.From != a.Device() || string(inbound.Frame) != "ping" {
		t.Fatalf("Receive = %+v", inbound)
	}

	stranger := testSigner(3).Device()
	err = a.Broadcast(ctx, []ident.DeviceID{b.Device(), stranger}, []byte("all"))
	if !fault.IsKind(err, fault.KindNetwork) {
		t.Fatalf("Broadcast = %v, want a network fault for the stranger", err)
	}
	if inbound, _ := b.Receive(ctx); string(inbound.Frame) != "all" {
		t.Fatalf("broadcast did not reach b: %q", inbound.Frame)
	}
	if err := a.Disconnect(ctx, b.Device()); err != nil || len(a.Peers()) != 0 {
		t.Fatalf("Disconnect left peers %v (err %v)", a.Peers(), err)
	}
}

func TestAuthorizationRevocation(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(TestEpoch)
	random := NewSeededRandom(effect.ModeTesting, 4, nil)
	handler := NewAuthorization(effect.ModeTesting, fake, random, nil)
	root := testSigner(9)
	token, err := capability.Mint(root.PrivateKey(), random, capability.Block{Actions: []string{"moderation:*"}})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	request := capability.Request{Action: "moderation:flag", Resource: "context"}
	result, err := handler.VerifyCapability(ctx, root.Public(), token, request)
	if err != nil || !result.Authorized {
		t.Fatalf("VerifyCapability = %+v, %v", result, err)
	}
	narrowed, err := handler.DelegateCapability(ctx, token, capability.Block{Actions: []string{"moderation:mute"}})
	if err != nil {
		t.Fatalf("DelegateCapability: %v", err)
	}
	result, err = handler.VerifyCapability(ctx, root.Public(), narrowed, request)
	if err != nil || result.Authorized || result.DelegationDepth != 1 {
		t.Fatalf("attenuated token = %+v, %v; want denied at depth 1", result, err)
	}
	if err := handler.RevokeCapability(ctx, token, TestEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("RevokeCapability: %v", err)
	}
	if _, err := handler.VerifyCapability(ctx, root.Public(), narrowed, request); !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("revoked origin still verifies: %v", err)
	}
	fake.Advance(2 * time.Hour)
	if removed := handler.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
}

func TestLeakageBudget(t *testing.T) {
	ctx := context.Background()
	storage := NewStorage(effect.ModeTesting, kvstore.NewMemory())
	leakage := NewLeakage(storage, clock.Fake(TestEpoch), 10)
	contextID := ident.Derive[ident.Context]("test", []byte("leakage"))
	observer := testSigner(5).Device()
	event := effect.LeakageEvent{Context: contextID, Observer: observer, Bits: 6, Operation: "presence"}
	if err := leakage.RecordLeakage(ctx, event); err != nil {
		t.Fatalf("RecordLeakage: %v", err)
	}
	if err := leakage.RecordLeakage(ctx, event); !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("over-budget RecordLeakage = %v", err)
	}
	left, err := leakage.LeakageBudget(ctx, contextID, observer)
	if err != nil || left != 4 {
		t.Fatalf("LeakageBudget = %d, %v; want 4", left, err)
	}
	history, err := leakage.LeakageHistory(ctx, contextID)
	if err != nil || len(history) != 1 || history[0].AtMillis != uint64(TestEpoch.UnixMilli()) {
		t.Fatalf("LeakageHistory = %+v, %v", history, err)
	}
}

func TestForTestingComposes(t *testing.T) {
	signer := testSigner(1)
	runtime, err := ForTesting(signer, nil)
	if err != nil {
		t.Fatalf("ForTesting: %v", err)
	}
	defer runtime.Close()
	if runtime.Mode != effect.ModeTesting || runtime.Device != signer.Device() {
		t.Fatalf("runtime mode %s device %s", runtime.Mode, runtime.Device)
	}
	for effectType, operations := range effect.Operations {
		for _, operation := range operations {
			if !runtime.Registry.Supports(effectType, operation) {
				t.Errorf("registry does not support %s.%s", effectType, operation)
			}
		}
	}
	ctx := context.Background()
	if err := runtime.Storage.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	health := runtime.System.Health(ctx)
	if !health.Healthy || health.Components["storage"] != "ok" {
		t.Fatalf("Health = %+v", health)
	}
	stats, err := runtime.System.Stats(ctx)
	if err != nil || stats["storage_keys"] != 1 {
		t.Fatalf("Stats = %v, %v", stats, err)
	}
	if runtime.Crypto.Hash(digest.DomainContent, []byte("x")) != digest.Sum(digest.DomainContent, []byte("x")) {
		t.Fatal("crypto hash differs from digest.Sum")
	}
}

func TestForSimulationRejectsForeignNetwork(t *testing.T) {
	hub := NewMemoryHub()
	signer := testSigner(1)
	network := hub.Endpoint(effect.ModeTesting, signer.Device())
	if _, err := ForSimulation(1, signer, clock.Fake(TestEpoch), network, Options{}); err == nil {
		t.Fatal("ForSimulation accepted a testing-mode network")
	}
}

func TestDeviceKeySignerSignsShares(t *testing.T) {
	key, err := (&keystore.Store{Dir: t.TempDir()}).Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()
	signer := DeviceKeySigner(key)
	if signer.Device() != key.Device {
		t.Fatalf("Device() = %s, want %s", signer.Device(), key.Device)
	}

	message := []byte("op signing digest")
	share := threshold.Share{Signer: signer.Device(), Signature: signer.Sign(message)}
	if err := threshold.VerifyShare(signer.Public(), message, share); err != nil {
		t.Fatalf("VerifyShare: %v", err)
	}
	aggregate, err := threshold.Aggregate([]threshold.Share{share})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	keys := map[ident.DeviceID]ed25519.PublicKey{signer.Device(): signer.Public()}
	if err := threshold.Verify(message, aggregate, keys, 1); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
