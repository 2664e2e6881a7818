// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony_test

import (
	"bytes"
	"context"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/ceremony"
	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/handler"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/tree"
	"github.com/bureau-foundation/quorum/tree/treetest"
)

type member struct {
	device    treetest.Device
	hub       *handler.MemoryHub
	runtime   *handler.Runtime
	sessions  *choreo.Runtime
	manager   *ceremony.Manager
	endpoint  *handler.MemoryEndpoint
	committed []ceremony.Committed
}

func newMember(t *testing.T, hub *handler.MemoryHub, n int) *member {
	t.Helper()
	device := treetest.NewDevice(n)
	runtime, err := handler.ForTesting(handler.NewKeySigner(device.Private), hub)
	if err != nil {
		t.Fatalf("ForTesting: %v", err)
	}
	t.Cleanup(func() { runtime.Close() })
	m := &member{
		device:   device,
		hub:      hub,
		runtime:  runtime,
		sessions: choreo.NewRuntime(choreo.Config{Effects: runtime.Effects}),
		endpoint: runtime.Effects.Network.(*handler.MemoryEndpoint),
	}
	m.manager = ceremony.NewManager(ceremony.Config{
		Effects:  runtime.Effects,
		Sessions: m.sessions,
		Committed: func(_ context.Context, committed ceremony.Committed) {
			m.committed = append(m.committed, committed)
		},
	})
	return m
}

func (m *member) clock() *clock.FakeClock { return m.runtime.Clock.(*clock.FakeClock) }

func (m *member) state(t *testing.T, authority ident.AuthorityID) tree.State {
	t.Helper()
	state, err := m.runtime.Effects.Tree.State(context.Background(), authority)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return state
}

func (m *member) facts(t *testing.T, authority ident.AuthorityID) []fact.Fact {
	t.Helper()
	facts, err := m.runtime.Journals.LoadFacts(context.Background(), fact.AuthorityNamespace(authority))
	if err != nil {
		t.Fatalf("LoadFacts: %v", err)
	}
	return facts
}

func (m *member) merge(t *testing.T, authority ident.AuthorityID, facts []fact.Fact) {
	t.Helper()
	if _, err := m.runtime.Journals.MergeFacts(context.Background(), fact.AuthorityNamespace(authority), facts); err != nil {
		t.Fatalf("MergeFacts: %v", err)
	}
}

// settle delivers frames between members until none is queued.
func settle(t *testing.T, members ...*member) {
	t.Helper()
	ctx := context.Background()
	for range 1000 {
		delivered := false
		for _, m := range members {
			for {
				inbound, ok := m.endpoint.TryReceive()
				if !ok {
					break
				}
				delivered = true
				if err := m.sessions.HandleFrame(ctx, inbound.From, inbound.Frame); err != nil {
					t.Logf("%s handling frame from %s: %v", m.device.ID.Short(), inbound.From.Short(), err)
				}
			}
		}
		if !delivered {
			return
		}
	}
	t.Fatal("frames still flowing after 1000 rounds")
}

func start(t *testing.T, m *member, request ceremony.Request) *ceremony.Ceremony {
	t.Helper()
	c, err := m.manager.Start(context.Background(), request)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

// initialize creates founder's single-device authority.
func initialize(t *testing.T, founder *member) ident.AuthorityID {
	t.Helper()
	authority := ident.DeviceAuthority(founder.device.ID)
	ops, err := ceremony.InitOps(founder.device.Leaf())
	if err != nil {
		t.Fatalf("InitOps: %v", err)
	}
	c := start(t, founder, ceremony.Request{Authority: authority, Ops: ops})
	if c.Mode() != ceremony.ModeFinalized {
		t.Fatalf("init ended %s, want finalized", c.Mode())
	}
	return authority
}

func enrollmentCode(t *testing.T, m *member) ceremony.EnrollmentCode {
	t.Helper()
	code, err := ceremony.NewEnrollmentCode(m.device.Public, "", m.device.ID.Bytes())
	if err != nil {
		t.Fatalf("NewEnrollmentCode: %v", err)
	}
	if err := m.manager.ExpectEnrollment(code); err != nil {
		t.Fatalf("ExpectEnrollment: %v", err)
	}
	return code
}

// pair builds a two-device authority under policy with both replicas
// holding the full log.
func pair(t *testing.T, policy tree.Policy) (alice, bob *member, authority ident.AuthorityID) {
	t.Helper()
	hub := handler.NewMemoryHub()
	alice = newMember(t, hub, 1)
	bob = newMember(t, hub, 2)
	authority = initialize(t, alice)

	code := enrollmentCode(t, bob)
	ops, err := ceremony.EnrollOps(alice.state(t, authority), code.Leaf(), policy)
	if err != nil {
		t.Fatalf("EnrollOps: %v", err)
	}
	c := start(t, alice, ceremony.Request{Authority: authority, Ops: ops, Enrollment: &code})
	settle(t, alice, bob)
	if c.Mode() != ceremony.ModeFinalized {
		t.Fatalf("enrollment ended %s, want finalized", c.Mode())
	}
	bob.merge(t, authority, alice.facts(t, authority))
	return alice, bob, authority
}

func TestInitFinalizesAlone(t *testing.T) {
	alice := newMember(t, handler.NewMemoryHub(), 1)
	authority := initialize(t, alice)

	state := alice.state(t, authority)
	if state.Epoch != 1 || len(state.Leaves) != 1 || state.Threshold() != 1 {
		t.Fatalf("state after init: epoch %d, %d leaves, threshold %d", state.Epoch, len(state.Leaves), state.Threshold())
	}
	if !bytes.Equal(state.GroupKey, alice.device.Public) {
		t.Error("a single-device authority's group key is not the device key")
	}
	if len(alice.manager.Ceremonies()) != 0 {
		t.Errorf("%d ceremonies still running after init", len(alice.manager.Ceremonies()))
	}

	var cert *fact.ConvergenceCert
	for _, f := range alice.facts(t, authority) {
		if f.Content.Kind == fact.KindConvergenceCert {
			cert = f.Content.Cert
		}
	}
	if cert == nil {
		t.Fatal("init recorded no convergence certificate")
	}
	if len(cert.AckSet) != 0 || len(cert.Window) != 0 {
		t.Errorf("genesis certificate has acks %v and window %v, want both empty", cert.AckSet, cert.Window)
	}
}

func TestEnrollmentTwoOfTwo(t *testing.T) {
	alice, bob, authority := pair(t, tree.Threshold(2))

	state := alice.state(t, authority)
	if state.Epoch != 2 || len(state.Leaves) != 2 || state.Threshold() != 2 {
		t.Fatalf("state after enrollment: epoch %d, %d leaves, threshold %d", state.Epoch, len(state.Leaves), state.Threshold())
	}
	if !bytes.Equal(state.GroupKey, ceremony.GroupKey(state.Leaves, 2)) {
		t.Error("group key of epoch 2 is not the derived key")
	}
	retained, ok := state.KeyAt(1)
	if !ok || !bytes.Equal(retained, alice.device.Public) {
		t.Error("epoch 1 group key was not retained")
	}

	if len(bob.committed) != 1 || !bob.committed[0].Enrolled {
		t.Fatalf("bob saw commits %+v, want one enrollment", bob.committed)
	}
	if bob.committed[0].Coordinator != alice.device.ID {
		t.Errorf("commit came from %s, want alice", bob.committed[0].Coordinator.Short())
	}
	if got := bob.state(t, authority); got.Commitment != state.Commitment {
		t.Errorf("bob reduced commitment %s, alice %s", got.Commitment.Short(), state.Commitment.Short())
	}
}

// TestEnrollmentCommitsWhenCoordinatorSignsAlone covers a policy the
// coordinator satisfies by itself: the enrolling device still has to
// receive the chain.
func TestEnrollmentCommitsWhenCoordinatorSignsAlone(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newMember(t, hub, 1)
	bob := newMember(t, hub, 2)
	authority := initialize(t, alice)

	code := enrollmentCode(t, bob)
	ops, err := ceremony.EnrollOps(alice.state(t, authority), code.Leaf(), tree.Threshold(1))
	if err != nil {
		t.Fatalf("EnrollOps: %v", err)
	}
	c := start(t, alice, ceremony.Request{Authority: authority, Ops: ops, Enrollment: &code})
	if c.Mode() != ceremony.ModePending {
		t.Fatalf("enrollment reached %s before the new device answered", c.Mode())
	}
	settle(t, alice, bob)
	if c.Mode() != ceremony.ModeFinalized {
		t.Fatalf("enrollment ended %s, want finalized", c.Mode())
	}

	if len(bob.committed) != 1 || !bob.committed[0].Enrolled {
		t.Fatalf("bob saw commits %+v, want one enrollment", bob.committed)
	}
	state := alice.state(t, authority)
	if got := bob.state(t, authority); got.Commitment != state.Commitment || got.Epoch != 2 {
		t.Errorf("bob holds epoch %d commitment %s, alice epoch %d commitment %s",
			got.Epoch, got.Commitment.Short(), state.Epoch, state.Commitment.Short())
	}
}

func TestEnrollmentRequiresExpectedCode(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newMember(t, hub, 1)
	bob := newMember(t, hub, 2)
	authority := initialize(t, alice)

	code, err := ceremony.NewEnrollmentCode(bob.device.Public, "", make([]byte, ceremony.EnrollmentNonceSize))
	if err != nil {
		t.Fatalf("NewEnrollmentCode: %v", err)
	}
	ops, err := ceremony.EnrollOps(alice.state(t, authority), code.Leaf(), tree.Threshold(2))
	if err != nil {
		t.Fatalf("EnrollOps: %v", err)
	}
	c := start(t, alice, ceremony.Request{Authority: authority, Ops: ops, Enrollment: &code})
	settle(t, alice, bob)

	result := c.Result()
	if result.Mode != ceremony.ModeReverted {
		t.Fatalf("ceremony ended %s, want reverted", result.Mode)
	}
	if result.Reversion.Reason != fact.ReasonInsufficientParticipants {
		t.Errorf("reason = %s, want insufficient_participants", result.Reversion.Reason)
	}
	if alice.state(t, authority).Epoch != 1 {
		t.Error("a reverted enrollment changed the tree")
	}
}

func TestConcurrentChainsHaveOneWinner(t *testing.T) {
	alice, bob, authority := pair(t, tree.Threshold(1))
	parent := alice.state(t, authority)

	removeBob, err := ceremony.RemoveOps(parent, bob.device.ID, tree.ReasonRetired, tree.Threshold(1))
	if err != nil {
		t.Fatalf("RemoveOps: %v", err)
	}
	removeAlice, err := ceremony.RemoveOps(parent, alice.device.ID, tree.ReasonRetired, tree.Threshold(1))
	if err != nil {
		t.Fatalf("RemoveOps: %v", err)
	}
	fromAlice := start(t, alice, ceremony.Request{Authority: authority, Ops: removeBob})
	fromBob := start(t, bob, ceremony.Request{Authority: authority, Ops: removeAlice})
	settle(t, alice, bob)

	winner, loser := fromAlice, fromBob
	if fromBob.Mode() == ceremony.ModeFinalized {
		winner, loser = fromBob, fromAlice
	}
	if winner.Mode() != ceremony.ModeFinalized {
		t.Fatalf("modes %s and %s, want one finalized", fromAlice.Mode(), fromBob.Mode())
	}
	result := loser.Result()
	if result.Mode != ceremony.ModeReverted {
		t.Fatalf("loser ended %s, want reverted", result.Mode)
	}
	if result.Reversion.Reason != fact.ReasonConflict {
		t.Errorf("loser reason = %s, want conflict", result.Reversion.Reason)
	}
	if result.Reversion.Winner == nil || *result.Reversion.Winner != winner.OpID() {
		t.Errorf("loser names winner %v, want %s", result.Reversion.Winner, winner.OpID().Short())
	}
	if _, err := loser.Wait(context.Background()); err == nil {
		t.Error("Wait on a reverted ceremony returned no error")
	}

	aliceState, bobState := alice.state(t, authority), bob.state(t, authority)
	if aliceState.Commitment != bobState.Commitment {
		t.Errorf("replicas diverged: alice %s, bob %s", aliceState.Commitment.Short(), bobState.Commitment.Short())
	}
	if len(aliceState.Leaves) != 1 || aliceState.Epoch != 3 {
		t.Errorf("converged state has %d leaves at epoch %d, want 1 at 3", len(aliceState.Leaves), aliceState.Epoch)
	}
}

func TestStaleParticipantRefuses(t *testing.T) {
	alice, bob, authority := pair(t, tree.Threshold(2))
	before := alice.facts(t, authority)

	ops, err := ceremony.RotateOps(alice.state(t, authority))
	if err != nil {
		t.Fatalf("RotateOps: %v", err)
	}
	rotate := start(t, alice, ceremony.Request{Authority: authority, Ops: ops})
	settle(t, alice, bob)
	if rotate.Mode() != ceremony.ModeFinalized {
		t.Fatalf("rotation ended %s, want finalized", rotate.Mode())
	}
	if bob.state(t, authority).Epoch != 3 {
		t.Fatalf("bob at epoch %d after rotation, want 3", bob.state(t, authority).Epoch)
	}

	// A replica of alice that missed the rotation proposes it again.
	stale := rejoin(t, alice, before, authority)
	retry := start(t, stale, ceremony.Request{Authority: authority, Ops: ops})
	settle(t, stale, bob)

	result := retry.Result()
	if result.Mode != ceremony.ModeReverted {
		t.Fatalf("stale ceremony ended %s, want reverted", result.Mode)
	}
	if result.Reversion.Reason != fact.ReasonStalePrestate {
		t.Errorf("reason = %s, want stale_prestate", result.Reversion.Reason)
	}
}

// rejoin replaces m on its hub with a fresh replica of the same device
// holding only facts.
func rejoin(t *testing.T, m *member, facts []fact.Fact, authority ident.AuthorityID) *member {
	t.Helper()
	m.hub.Detach(m.device.ID)
	replacement := newMember(t, m.hub, 1)
	replacement.merge(t, authority, facts)
	return replacement
}

func TestTimeoutReverts(t *testing.T) {
	alice, _, authority := pair(t, tree.Threshold(2))
	ops, err := ceremony.RotateOps(alice.state(t, authority))
	if err != nil {
		t.Fatalf("RotateOps: %v", err)
	}
	c := start(t, alice, ceremony.Request{Authority: authority, Ops: ops})
	if c.Mode() != ceremony.ModePending {
		t.Fatalf("ceremony is %s before any reply, want pending", c.Mode())
	}

	// Bob never answers.
	alice.clock().Advance(time.Minute)

	result := c.Result()
	if result.Mode != ceremony.ModeReverted {
		t.Fatalf("ceremony ended %s, want reverted", result.Mode)
	}
	if result.Reversion.Reason != fact.ReasonTimeout {
		t.Errorf("reason = %s, want timeout", result.Reversion.Reason)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done is open after the ceremony reverted")
	}

	// The reverted ceremony released its lock on the prestate.
	again := start(t, alice, ceremony.Request{Authority: authority, Ops: ops})
	again.Cancel(context.Background())
	if reason := again.Result().Reversion.Reason; reason != fact.ReasonCancelled {
		t.Errorf("cancelled ceremony reason = %s", reason)
	}
}

func TestStartRejectsNonMember(t *testing.T) {
	alice, bob, authority := pair(t, tree.Threshold(2))
	ops, err := ceremony.RotateOps(alice.state(t, authority))
	if err != nil {
		t.Fatalf("RotateOps: %v", err)
	}
	stranger := newMember(t, handler.NewMemoryHub(), 9)
	stranger.merge(t, authority, bob.facts(t, authority))
	if _, err := stranger.manager.Start(context.Background(), ceremony.Request{Authority: authority, Ops: ops}); err == nil {
		t.Fatal("a device outside the tree started a ceremony")
	}
}

func TestWindowPrefersSigners(t *testing.T) {
	devices := []treetest.Device{treetest.NewDevice(1), treetest.NewDevice(2), treetest.NewDevice(3)}
	state := tree.Genesis()
	for _, device := range devices {
		next, err := state.Apply(tree.AddLeaf(state, device.Leaf()))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		state = next
	}
	sorted := state.Devices()

	last := sorted[2]
	window := ceremony.Window(state, []ident.DeviceID{last})
	if len(window) != 2 {
		t.Fatalf("window of 3 leaves has %d members, want 2", len(window))
	}
	if !slices.Contains(window, last) || !slices.Contains(window, sorted[0]) {
		t.Errorf("window = %v, want the signer and the first device", window)
	}
	if !slices.IsSortedFunc(window, ident.Compare[ident.Device]) {
		t.Error("window is not sorted")
	}
	if ceremony.Window(tree.Genesis(), nil) != nil {
		t.Error("genesis has a window")
	}
}

func TestChainRequirements(t *testing.T) {
	founder := treetest.NewDevice(1)
	ops, err := ceremony.InitOps(founder.Leaf())
	if err != nil {
		t.Fatalf("InitOps: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("init chain has %d ops, want 3", len(ops))
	}
	chain, err := ceremony.Replay(tree.Genesis(), ops)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if chain.Result().Epoch != 1 {
		t.Errorf("init chain ends at epoch %d", chain.Result().Epoch)
	}
	if members := chain.Members(); len(members) != 1 || members[0] != founder.ID {
		t.Errorf("init members = %v", members)
	}
	if chain.Quorum(0) != 1 || chain.Quorum(2) != 2 {
		t.Errorf("quorum = %d / %d with witness 0 / 2", chain.Quorum(0), chain.Quorum(2))
	}

	if _, err := ceremony.Replay(chain.Result(), ops); err == nil {
		t.Error("Replay applied ops to the wrong parent")
	}
	if _, err := ceremony.PolicyOps(chain.Result(), tree.Threshold(1)); err == nil {
		t.Error("PolicyOps accepted the current policy")
	}
}

func TestGroupKey(t *testing.T) {
	a, b := treetest.NewDevice(1), treetest.NewDevice(2)
	if !bytes.Equal(ceremony.GroupKey([]tree.LeafNode{a.Leaf()}, 4), a.Public) {
		t.Error("single-leaf group key is not the device key")
	}
	leaves := []tree.LeafNode{a.Leaf(), b.Leaf()}
	if bytes.Equal(ceremony.GroupKey(leaves, 2), ceremony.GroupKey(leaves, 3)) {
		t.Error("group keys of different epochs are equal")
	}
	if !bytes.Equal(ceremony.GroupKey(leaves, 2), ceremony.GroupKey(leaves, 2)) {
		t.Error("group key is not deterministic")
	}
}

func TestEnrollmentCodeText(t *testing.T) {
	device := treetest.NewDevice(5)
	code, err := ceremony.NewEnrollmentCode(device.Public, "10.0.0.5:7420", bytes.Repeat([]byte{3}, ceremony.EnrollmentNonceSize))
	if err != nil {
		t.Fatalf("NewEnrollmentCode: %v", err)
	}
	parsed, err := ceremony.ParseEnrollmentCode(code.String())
	if err != nil {
		t.Fatalf("ParseEnrollmentCode: %v", err)
	}
	if parsed.Device != device.ID || parsed.Address != code.Address || !bytes.Equal(parsed.Nonce, code.Nonce) {
		t.Fatalf("parsed %+v, want %+v", parsed, code)
	}

	forged := code
	forged.PublicKey = treetest.NewDevice(6).Public
	if _, err := ceremony.ParseEnrollmentCode(forged.String()); err == nil {
		t.Error("accepted a code whose key does not match its device")
	}
	if _, err := ceremony.ParseEnrollmentCode("not base64!"); err == nil {
		t.Error("accepted malformed text")
	}
	if _, err := ceremony.NewEnrollmentCode(device.Public, "", []byte{1}); err == nil {
		t.Error("accepted a short nonce")
	}
}
