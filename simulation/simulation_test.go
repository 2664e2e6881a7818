// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simulation_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/ceremony"
	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/reduce"
	"github.com/bureau-foundation/quorum/relational"
	"github.com/bureau-foundation/quorum/simulation"
	"github.com/bureau-foundation/quorum/tree"
)

var chat = ident.Derive[ident.Context]("test", []byte("chat"))

func newWorld(t *testing.T, seed uint64, names ...string) (*simulation.World, []*simulation.Node) {
	t.Helper()
	world := simulation.NewWorld(simulation.Config{Seed: seed})
	t.Cleanup(func() { world.Close() })
	nodes := make([]*simulation.Node, 0, len(names))
	for _, name := range names {
		n, err := world.AddNode(context.Background(), name)
		if err != nil {
			t.Fatalf("AddNode(%s): %v", name, err)
		}
		nodes = append(nodes, n)
	}
	return world, nodes
}

func settle(t *testing.T, world *simulation.World) {
	t.Helper()
	if !world.Settle(context.Background()) {
		t.Fatal("world did not go quiet")
	}
}

func initialize(t *testing.T, n *simulation.Node) ident.AuthorityID {
	t.Helper()
	authority, err := n.InitAuthority(context.Background())
	if err != nil {
		t.Fatalf("%s InitAuthority: %v", n.Name, err)
	}
	return authority
}

func state(t *testing.T, n *simulation.Node) reduce.AuthorityState {
	t.Helper()
	s, err := n.AuthorityState(context.Background())
	if err != nil {
		t.Fatalf("%s AuthorityState: %v", n.Name, err)
	}
	return s
}

func finalized(t *testing.T, c *ceremony.Ceremony, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("starting ceremony: %v", err)
	}
	if c.Mode() != ceremony.ModeFinalized {
		t.Fatalf("ceremony ended %s, want finalized (%v)", c.Mode(), c.Result().Err())
	}
}

func code(t *testing.T, n *simulation.Node) ceremony.EnrollmentCode {
	t.Helper()
	c, err := n.CreateEnrollmentCode("")
	if err != nil {
		t.Fatalf("%s CreateEnrollmentCode: %v", n.Name, err)
	}
	return c
}

func enroll(t *testing.T, world *simulation.World, owner, joiner *simulation.Node, policy tree.Policy) {
	t.Helper()
	c, err := owner.Enroll(context.Background(), code(t, joiner), policy)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	settle(t, world)
	finalized(t, c, nil)
}

func TestSingleDeviceInit(t *testing.T) {
	_, nodes := newWorld(t, 1, "alice")
	alice := nodes[0]
	initialize(t, alice)

	s := state(t, alice)
	if s.Epoch != 1 || s.DeviceCount != 1 || s.Threshold != 1 {
		t.Errorf("after init: epoch %d, %d devices, threshold %d", s.Epoch, s.DeviceCount, s.Threshold)
	}
	if !slices.Equal(s.GroupKey, alice.Effects().Signer.Public()) {
		t.Error("group key of a single-device authority is not the device key")
	}
}

func TestEnrollTwoOfTwoKeepsPriorEpoch(t *testing.T) {
	world, nodes := newWorld(t, 2, "alice", "bob")
	alice, bob := nodes[0], nodes[1]
	authority := initialize(t, alice)
	enroll(t, world, alice, bob, tree.Threshold(2))

	s := state(t, alice)
	if s.Epoch != 2 || s.DeviceCount != 2 || s.Threshold != 2 {
		t.Fatalf("after enrollment: epoch %d, %d devices, threshold %d", s.Epoch, s.DeviceCount, s.Threshold)
	}
	alicePublic := alice.Effects().Signer.Public()
	if slices.Equal(s.GroupKey, alicePublic) {
		t.Error("enrollment kept the single-device group key")
	}
	retained := slices.IndexFunc(s.GroupKeys, func(key tree.EpochKey) bool {
		return key.Epoch == 1 && slices.Equal(key.Key, alicePublic)
	})
	if retained < 0 {
		t.Errorf("epoch 1 key not retained: %v", s.GroupKeys)
	}
	if got := state(t, bob); got.Commitment != s.Commitment {
		t.Errorf("bob reduced %s, alice %s", got.Commitment.Short(), s.Commitment.Short())
	}

	facts, err := alice.Effects().Journal.LoadFacts(context.Background(), fact.AuthorityNamespace(authority))
	if err != nil {
		t.Fatalf("LoadFacts: %v", err)
	}
	old, _ := reduce.AuthorityAt(authority, facts, 1, nil)
	if old.Epoch != 1 || old.DeviceCount != 1 || !slices.Equal(old.GroupKey, alicePublic) {
		t.Errorf("state at epoch 1: epoch %d, %d devices", old.Epoch, old.DeviceCount)
	}
}

func TestEnrollOneOfTwoAdoptsAuthority(t *testing.T) {
	world, nodes := newWorld(t, 9, "alice", "bob")
	alice, bob := nodes[0], nodes[1]
	authority := initialize(t, alice)
	enroll(t, world, alice, bob, tree.Threshold(1))

	adopted, ok := bob.Authority()
	if !ok || adopted != authority {
		t.Fatalf("bob authority = %s (%v), want %s", adopted.Short(), ok, authority.Short())
	}
	s := state(t, alice)
	if got := state(t, bob); got.Commitment != s.Commitment || got.DeviceCount != 2 || got.Threshold != 1 {
		t.Errorf("bob holds %d devices threshold %d, alice commitment %s bob %s",
			got.DeviceCount, got.Threshold, s.Commitment.Short(), got.Commitment.Short())
	}
}

func TestConcurrentEnrollmentsHaveOneWinner(t *testing.T) {
	world, nodes := newWorld(t, 3, "alice", "bob", "carol", "dave")
	alice, bob, carol, dave := nodes[0], nodes[1], nodes[2], nodes[3]
	initialize(t, alice)
	enroll(t, world, alice, bob, tree.Threshold(1))
	if err := world.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	ctx := context.Background()

	fromAlice, err := alice.Enroll(ctx, code(t, carol), tree.Threshold(1))
	if err != nil {
		t.Fatalf("alice Enroll: %v", err)
	}
	fromBob, err := bob.Enroll(ctx, code(t, dave), tree.Threshold(1))
	if err != nil {
		t.Fatalf("bob Enroll: %v", err)
	}
	settle(t, world)

	winner, loser := fromAlice, fromBob
	added, rejected := carol, dave
	if fromBob.Mode() == ceremony.ModeFinalized {
		winner, loser = fromBob, fromAlice
		added, rejected = dave, carol
	}
	if winner.Mode() != ceremony.ModeFinalized {
		t.Fatalf("modes %s and %s, want one finalized", fromAlice.Mode(), fromBob.Mode())
	}
	result := loser.Result()
	if result.Mode != ceremony.ModeReverted || result.Reversion == nil {
		t.Fatalf("loser ended %s, want reverted", result.Mode)
	}
	if result.Reversion.Winner == nil || *result.Reversion.Winner != winner.OpID() {
		t.Errorf("loser names winner %v, want %s", result.Reversion.Winner, winner.OpID().Short())
	}

	if err := world.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	aliceState, bobState := state(t, alice), state(t, bob)
	if aliceState.Commitment != bobState.Commitment {
		t.Fatalf("replicas diverged: alice %s, bob %s", aliceState.Commitment.Short(), bobState.Commitment.Short())
	}
	if !slices.Contains(aliceState.Devices, added.Device()) || slices.Contains(aliceState.Devices, rejected.Device()) {
		t.Errorf("devices %v: want %s added and %s not", aliceState.Devices, added.Name, rejected.Name)
	}
}

func TestPartitionHeals(t *testing.T) {
	world, nodes := newWorld(t, 4, "alice", "bob", "carol")
	alice, bob, carol := nodes[0], nodes[1], nodes[2]
	initialize(t, alice)
	enroll(t, world, alice, bob, tree.Threshold(1))
	enroll(t, world, alice, carol, tree.Threshold(2))
	ctx := context.Background()
	if err := world.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	before := state(t, alice)
	if before.DeviceCount != 3 || before.Threshold != 2 {
		t.Fatalf("setup: %d devices, threshold %d", before.DeviceCount, before.Threshold)
	}

	world.Partition([]*simulation.Node{alice}, []*simulation.Node{bob, carol})
	rotation, err := bob.RotateEpoch(ctx)
	settle(t, world)
	finalized(t, rotation, err)

	isolated := state(t, alice)
	if isolated.Commitment != before.Commitment {
		t.Fatal("alice moved while partitioned")
	}
	majority := state(t, bob)
	if majority.Epoch != before.Epoch+1 || state(t, carol).Commitment != majority.Commitment {
		t.Fatalf("bob and carol: epochs %d and %d", majority.Epoch, state(t, carol).Epoch)
	}
	if world.Network().Stats().Refused == 0 {
		t.Error("no send was refused across the partition")
	}

	world.Heal()
	world.Gossip(ctx, 2)
	healed := state(t, alice)
	if healed.Commitment != majority.Commitment || !healed.Tree.Equal(majority.Tree) {
		t.Errorf("alice at %s epoch %d after heal, majority at %s epoch %d",
			healed.Commitment.Short(), healed.Epoch, majority.Commitment.Short(), majority.Epoch)
	}
	if len(healed.Losers) != 0 {
		t.Errorf("heal produced losers: %v", healed.Losers)
	}
}

func TestCapabilityDeniedSendChargesNothing(t *testing.T) {
	world, nodes := newWorld(t, 5, "alice", "carol")
	alice, carol := nodes[0], nodes[1]
	initialize(t, alice)
	initialize(t, carol)
	ctx := context.Background()

	invitation, err := alice.CreateInvitation(ctx, chat, capability.Of(choreo.PermInvitation, "chat:post"), "", time.Hour)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	text, err := invitation.Code()
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if _, err := carol.ImportInvitation(text); err != nil {
		t.Fatalf("ImportInvitation: %v", err)
	}
	acceptance, err := carol.AcceptInvitation(ctx, invitation.ID)
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	settle(t, world)
	if err := acceptance.Wait(ctx); err != nil {
		t.Fatalf("acceptance: %v", err)
	}

	budget, err := carol.Effects().Journal.FlowBudget(ctx, chat, alice.Device())
	if err != nil {
		t.Fatalf("FlowBudget: %v", err)
	}
	sent := world.Network().Stats().Sent

	err = carol.Moderate(ctx, alice.Device(), chat, ident.DeviceAuthority(alice.Device()), relational.ActionMute, "")
	var denial *choreo.Denial
	if !errors.As(err, &denial) || denial.Step != choreo.StepCapability {
		t.Fatalf("Moderate = %v, want a capability denial", err)
	}
	settle(t, world)

	if got := world.Network().Stats().Sent; got != sent {
		t.Errorf("%d frames sent after the denial", got-sent)
	}
	after, err := carol.Effects().Journal.FlowBudget(ctx, chat, alice.Device())
	if err != nil {
		t.Fatalf("FlowBudget: %v", err)
	}
	if after.Spent != budget.Spent {
		t.Errorf("denied send charged %d", after.Spent-budget.Spent)
	}
}

func TestSnapshotCompaction(t *testing.T) {
	const rotations, cut = 24, 20
	world, nodes := newWorld(t, 6, "alice")
	alice := nodes[0]
	authority := initialize(t, alice)
	ctx := context.Background()
	for range rotations {
		c, err := alice.RotateEpoch(ctx)
		settle(t, world)
		finalized(t, c, err)
	}
	current := state(t, alice)
	if current.Epoch != rotations+1 {
		t.Fatalf("epoch %d after %d rotations", current.Epoch, rotations)
	}

	namespace := fact.AuthorityNamespace(authority)
	journal, trees := alice.Effects().Journal, alice.Effects().Tree
	before, err := journal.LoadFacts(ctx, namespace)
	if err != nil {
		t.Fatalf("LoadFacts: %v", err)
	}
	proposal, err := trees.ProposeSnapshot(ctx, authority, cut)
	if err != nil {
		t.Fatalf("ProposeSnapshot: %v", err)
	}
	snapshot, err := trees.FinalizeSnapshot(ctx, authority, proposal.ID)
	if err != nil {
		t.Fatalf("FinalizeSnapshot: %v", err)
	}
	if err := trees.ApplySnapshot(ctx, authority, snapshot); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	ops, err := trees.Ops(ctx, authority)
	if err != nil {
		t.Fatalf("Ops: %v", err)
	}
	for _, op := range ops {
		if op.Op.ParentEpoch < cut {
			t.Fatalf("op at parent epoch %d survived the cut at %d", op.Op.ParentEpoch, cut)
		}
	}
	after, err := journal.LoadFacts(ctx, namespace)
	if err != nil {
		t.Fatalf("LoadFacts: %v", err)
	}
	for epoch := uint64(cut); epoch <= current.Epoch; epoch++ {
		old, _ := reduce.AuthorityAt(authority, before, epoch, nil)
		compacted, _ := reduce.AuthorityAt(authority, after, epoch, nil)
		if !old.Tree.Equal(compacted.Tree) {
			t.Fatalf("state at epoch %d changed by compaction", epoch)
		}
	}
	if got := state(t, alice); got.Commitment != current.Commitment {
		t.Error("current state changed by compaction")
	}
}

// drive runs a fixed workload: an authority of two devices, a rotation,
// an invitation accepted by a third device, and gossip.
func drive(t *testing.T, seed uint64) *simulation.World {
	t.Helper()
	world, nodes := newWorld(t, seed, "alice", "bob", "carol")
	alice, bob, carol := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()
	initialize(t, alice)
	initialize(t, carol)
	enroll(t, world, alice, bob, tree.Threshold(2))
	rotation, err := bob.RotateEpoch(ctx)
	settle(t, world)
	finalized(t, rotation, err)

	invitation, err := alice.CreateInvitation(ctx, chat, capability.Of(choreo.PermInvitation), "", 0)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	text, err := invitation.Code()
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if _, err := carol.ImportInvitation(text); err != nil {
		t.Fatalf("ImportInvitation: %v", err)
	}
	if _, err := carol.AcceptInvitation(ctx, invitation.ID); err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	settle(t, world)
	world.Gossip(ctx, 3)
	return world
}

func fingerprint(t *testing.T, world *simulation.World) string {
	t.Helper()
	hash, err := world.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	return hash.String()
}

func TestSameSeedSameJournals(t *testing.T) {
	first := fingerprint(t, drive(t, 42))
	second := fingerprint(t, drive(t, 42))
	if first != second {
		t.Errorf("runs with one seed diverged: %s and %s", first, second)
	}
	if other := fingerprint(t, drive(t, 43)); other == first {
		t.Error("runs with different seeds produced identical journals")
	}
}

func TestGossipConverges(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	world, nodes := newWorld(t, 7, names...)
	ctx := context.Background()
	for _, n := range nodes {
		initialize(t, n)
		if _, err := n.CreateInvitation(ctx, chat, capability.Of(choreo.PermInvitation), "", 0); err != nil {
			t.Fatalf("%s CreateInvitation: %v", n.Name, err)
		}
	}

	world.Gossip(ctx, 6)

	union := make(map[string]bool)
	for _, n := range nodes {
		facts, err := n.Effects().Journal.LoadFacts(ctx, fact.ContextNamespace(chat))
		if err != nil {
			t.Fatalf("LoadFacts: %v", err)
		}
		for _, f := range facts {
			union[f.ID.String()] = true
		}
	}
	if len(union) != len(nodes) {
		t.Fatalf("union holds %d facts, want one per node", len(union))
	}
	var reference []string
	for _, n := range nodes {
		facts, err := n.Effects().Journal.LoadFacts(ctx, fact.ContextNamespace(chat))
		if err != nil {
			t.Fatalf("LoadFacts: %v", err)
		}
		if len(facts) != len(union) {
			t.Errorf("%s holds %d of %d facts", n.Name, len(facts), len(union))
		}
		var ids []string
		for _, f := range facts {
			ids = append(ids, f.ID.String())
		}
		if reference == nil {
			reference = ids
		} else if !slices.Equal(ids, reference) {
			t.Errorf("%s orders its journal differently", n.Name)
		}

		s, err := n.ContextState(ctx, chat)
		if err != nil {
			t.Fatalf("ContextState: %v", err)
		}
		if _, ok := reduce.Binding[relational.Invitations](s, relational.InvitationType); !ok {
			t.Errorf("%s reduced no invitations", n.Name)
		}
	}
}

func TestDeliveryIsDelayed(t *testing.T) {
	world, nodes := newWorld(t, 8, "alice", "bob")
	alice, bob := nodes[0], nodes[1]
	start := world.Clock().Now()
	if err := alice.Sync(context.Background(), bob.Device(), nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if bob.Endpoint.Queued() != 0 {
		t.Fatal("frame arrived without the clock moving")
	}
	if !world.Clock().Step() {
		t.Fatal("no delivery scheduled")
	}
	if bob.Endpoint.Queued() != 1 {
		t.Fatalf("bob has %d frames queued, want 1", bob.Endpoint.Queued())
	}
	if elapsed := world.Clock().Now().Sub(start); elapsed < time.Millisecond || elapsed > 20*time.Millisecond {
		t.Errorf("delivery took %s, want within the default delay bounds", elapsed)
	}
	settle(t, world)
	if stats := world.Network().Stats(); stats.Sent != stats.Delivered || stats.Dropped != 0 {
		t.Errorf("stats after a clean round: %+v", stats)
	}
}

func TestFramesInFlightAcrossPartitionAreDropped(t *testing.T) {
	world, nodes := newWorld(t, 9, "alice", "bob")
	alice, bob := nodes[0], nodes[1]
	if err := alice.Sync(context.Background(), bob.Device(), nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	world.Partition([]*simulation.Node{alice}, []*simulation.Node{bob})
	settle(t, world)
	if stats := world.Network().Stats(); stats.Dropped != 1 {
		t.Errorf("dropped %d frames, want the one in flight", stats.Dropped)
	}
	if bob.Endpoint.Queued() != 0 {
		t.Error("a frame crossed the partition")
	}
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	world, _ := newWorld(t, 10, "alice")
	if _, err := world.AddNode(context.Background(), "alice"); err == nil {
		t.Error("second node named alice was added")
	}
	if simulation.DeviceKey(10, "alice").Equal(simulation.DeviceKey(11, "alice")) {
		t.Error("device keys ignore the seed")
	}
}
