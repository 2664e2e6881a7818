// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/handler"
	"github.com/bureau-foundation/quorum/journal"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/lattice/latticetest"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/reduce"
	"github.com/bureau-foundation/quorum/tree"
	"github.com/bureau-foundation/quorum/tree/treetest"
)

var testContext = ident.Derive[ident.Context]("test", []byte("journal"))

func relational(t *testing.T, lamport uint64, data string) fact.Fact {
	t.Helper()
	f, err := fact.New(timestamp.AtLamport(lamport), fact.Relate(testContext, "note/v1", []byte(data)))
	if err != nil {
		t.Fatalf("fact.New: %v", err)
	}
	return f
}

func newRuntime(t *testing.T, device treetest.Device) *handler.Runtime {
	t.Helper()
	runtime, err := handler.ForTesting(handler.NewKeySigner(device.Private), nil)
	if err != nil {
		t.Fatalf("ForTesting: %v", err)
	}
	t.Cleanup(func() { runtime.Close() })
	return runtime
}

func TestJournalIsAnORSet(t *testing.T) {
	namespace := fact.ContextNamespace(testContext)
	a, b, c := relational(t, 1, "a"), relational(t, 2, "b"), relational(t, 3, "c")
	left := journal.New(namespace, a, b)
	right := journal.New(namespace, b, c)
	if added := left.Add(a); added != 0 {
		t.Fatalf("re-adding a fact added %d", added)
	}
	if missing := left.Missing(right.IDs()); len(missing) != 1 || missing[0] != c.ID {
		t.Fatalf("Missing = %v, want [%s]", missing, c.ID.Short())
	}
	left.Join(right)
	right.Join(journal.New(namespace, a))
	if !left.Equal(right) || left.Len() != 3 {
		t.Fatalf("joined journals differ: %d vs %d facts", left.Len(), right.Len())
	}
	facts := left.Facts()
	if !slices.IsSortedFunc(facts, fact.Compare) {
		t.Fatal("Facts is not in canonical order")
	}
}

func TestJournalJoinLaws(t *testing.T) {
	namespace := fact.ContextNamespace(testContext)
	a, b, c := relational(t, 1, "a"), relational(t, 2, "b"), relational(t, 3, "c")
	join := func(x, y *journal.Journal) *journal.Journal {
		out := journal.New(namespace)
		out.Join(x)
		out.Join(y)
		return out
	}
	samples := []*journal.Journal{
		{Namespace: namespace},
		journal.New(namespace),
		journal.New(namespace, a),
		journal.New(namespace, a, b),
		journal.New(namespace, c),
	}
	latticetest.Join(t, samples, journal.New(namespace), join, (*journal.Journal).Equal)
}

func TestMergeFacts(t *testing.T) {
	ctx := context.Background()
	runtime := newRuntime(t, treetest.NewDevice(1))
	namespace := fact.ContextNamespace(testContext)
	a, b := relational(t, 1, "a"), relational(t, 2, "b")

	added, err := runtime.Journal.MergeFacts(ctx, namespace, []fact.Fact{b, a, a})
	if err != nil {
		t.Fatalf("MergeFacts: %v", err)
	}
	if len(added) != 2 || added[0].ID != a.ID {
		t.Fatalf("MergeFacts added %d facts, want a then b", len(added))
	}
	added, err = runtime.Journal.MergeFacts(ctx, namespace, []fact.Fact{a})
	if err != nil || len(added) != 0 {
		t.Fatalf("second MergeFacts = %d new, %v", len(added), err)
	}

	forged := relational(t, 3, "c")
	forged.Content.Relational.Data = []byte("tampered")
	_, err = runtime.Journal.MergeFacts(ctx, namespace, []fact.Fact{relational(t, 4, "d"), forged})
	if !errors.Is(err, fact.ErrIDMismatch) {
		t.Fatalf("MergeFacts with a forged fact = %v, want ErrIDMismatch", err)
	}
	ids, err := runtime.Journal.FactIDs(ctx, namespace)
	if err != nil || len(ids) != 2 {
		t.Fatalf("FactIDs = %d ids, %v; the rejected batch must not be written", len(ids), err)
	}

	loaded, err := runtime.Journal.LoadFactsByID(ctx, namespace, []timestamp.OrderTime{b.ID, {}})
	if err != nil || len(loaded) != 1 || loaded[0].ID != b.ID {
		t.Fatalf("LoadFactsByID = %v, %v", loaded, err)
	}
	namespaces, err := runtime.Journal.Namespaces(ctx)
	if err != nil || len(namespaces) != 1 || namespaces[0] != namespace {
		t.Fatalf("Namespaces = %v, %v", namespaces, err)
	}
}

func TestFlowBudgetChargeIsMonotonic(t *testing.T) {
	ctx := context.Background()
	runtime := newRuntime(t, treetest.NewDevice(1))
	peer := treetest.NewDevice(2).ID

	initial, err := runtime.Journal.FlowBudget(ctx, testContext, peer)
	if err != nil || initial.Limit != handler.DefaultFlowLimit {
		t.Fatalf("FlowBudget = %+v, %v", initial, err)
	}
	var total uint64
	for _, cost := range []uint64{10, 200, 3} {
		if _, err := runtime.Journal.ChargeFlowBudget(ctx, testContext, peer, cost); err != nil {
			t.Fatalf("ChargeFlowBudget(%d): %v", cost, err)
		}
		total += cost
	}
	charged, _ := runtime.Journal.FlowBudget(ctx, testContext, peer)
	if charged.Headroom() != initial.Headroom()-total {
		t.Fatalf("headroom %d, want %d", charged.Headroom(), initial.Headroom()-total)
	}

	denied, err := runtime.Journal.ChargeFlowBudget(ctx, testContext, peer, charged.Headroom()+1)
	if !errors.Is(err, fact.ErrBudgetExhausted) {
		t.Fatalf("over-budget charge = %v", err)
	}
	after, _ := runtime.Journal.FlowBudget(ctx, testContext, peer)
	if denied != charged || after != charged {
		t.Fatalf("denied charge changed the budget: %+v -> %+v", charged, after)
	}

	// A replenishment fact resets spending through the journal.
	receipt, err := fact.New(timestamp.AtLamport(9), fact.Budget(testContext, peer, charged.Replenish(charged.Limit)))
	if err != nil {
		t.Fatalf("fact.New: %v", err)
	}
	if _, err := runtime.Journal.MergeFacts(ctx, fact.ContextNamespace(testContext), []fact.Fact{receipt}); err != nil {
		t.Fatalf("MergeFacts: %v", err)
	}
	replenished, _ := runtime.Journal.FlowBudget(ctx, testContext, peer)
	if replenished.Headroom() != replenished.Limit || replenished.Epoch != charged.Epoch+1 {
		t.Fatalf("after receipt budget = %+v", replenished)
	}
}

func TestRefineCapsOnlyNarrows(t *testing.T) {
	ctx := context.Background()
	runtime := newRuntime(t, treetest.NewDevice(1))
	initial, err := runtime.Journal.Caps(ctx, testContext)
	if err != nil || !initial.Equal(capability.Top()) {
		t.Fatalf("Caps = %v, %v; want top", initial, err)
	}
	refined, err := runtime.Journal.RefineCaps(ctx, testContext, capability.Of("chat:send", "moderation:flag"))
	if err != nil {
		t.Fatalf("RefineCaps: %v", err)
	}
	refined, err = runtime.Journal.RefineCaps(ctx, testContext, capability.Of("chat:send", "invite:create"))
	if err != nil {
		t.Fatalf("RefineCaps: %v", err)
	}
	if !refined.Equal(capability.Of("chat:send")) {
		t.Fatalf("refined caps = %v, want chat:send only", refined)
	}
}

func TestTreeStoreAppliesOps(t *testing.T) {
	ctx := context.Background()
	founder := treetest.NewDevice(1)
	authority := ident.DeviceAuthority(founder.ID)
	runtime := newRuntime(t, founder)
	chain := treetest.Init(t, founder)
	chain.AddDevice(treetest.NewDevice(2))

	for _, op := range chain.Ops {
		added, err := runtime.Tree.ApplyAttestedOp(ctx, authority, op)
		if err != nil || !added {
			t.Fatalf("ApplyAttestedOp = %v, %v", added, err)
		}
	}
	if added, err := runtime.Tree.ApplyAttestedOp(ctx, authority, chain.Ops[0]); err != nil || added {
		t.Fatalf("re-applying an op = %v, %v", added, err)
	}
	state, err := runtime.Tree.State(ctx, authority)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.Equal(chain.State) {
		t.Fatalf("stored state at epoch %d differs from the chain", state.Epoch)
	}
	ops, err := runtime.Tree.Ops(ctx, authority)
	if err != nil || len(ops) != len(chain.Ops) {
		t.Fatalf("Ops = %d, %v", len(ops), err)
	}
	for i := 1; i < len(ops); i++ {
		if ops[i-1].Op.ParentEpoch > ops[i].Op.ParentEpoch {
			t.Fatal("Ops is not in parent epoch order")
		}
	}
	// The op log is scoped per authority.
	other := ident.DeviceAuthority(treetest.NewDevice(3).ID)
	if ops, err := runtime.Tree.Ops(ctx, other); err != nil || len(ops) != 0 {
		t.Fatalf("Ops for an unrelated authority = %d, %v", len(ops), err)
	}
}

func TestSnapshotCompaction(t *testing.T) {
	ctx := context.Background()
	founder := treetest.NewDevice(1)
	authority := ident.DeviceAuthority(founder.ID)
	runtime := newRuntime(t, founder)
	chain := treetest.Init(t, founder)
	for range 4 {
		chain.Rotate(founder.Public)
	}
	for _, op := range chain.Ops {
		if _, err := runtime.Tree.ApplyAttestedOp(ctx, authority, op); err != nil {
			t.Fatalf("ApplyAttestedOp: %v", err)
		}
	}
	namespace := fact.AuthorityNamespace(authority)
	before, err := runtime.Journal.LoadFacts(ctx, namespace)
	if err != nil {
		t.Fatalf("LoadFacts: %v", err)
	}

	if _, err := runtime.Tree.ProposeSnapshot(ctx, authority, 99); !fault.IsKind(err, fault.KindInvalid) {
		t.Fatalf("proposal beyond the log = %v", err)
	}
	proposal, err := runtime.Tree.ProposeSnapshot(ctx, authority, 3)
	if err != nil {
		t.Fatalf("ProposeSnapshot: %v", err)
	}
	snapshot, err := runtime.Tree.FinalizeSnapshot(ctx, authority, proposal.ID)
	if err != nil {
		t.Fatalf("FinalizeSnapshot: %v", err)
	}
	if err := runtime.Tree.ApplySnapshot(ctx, authority, snapshot); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	ops, err := runtime.Tree.Ops(ctx, authority)
	if err != nil {
		t.Fatalf("Ops: %v", err)
	}
	for _, op := range ops {
		if op.Op.ParentEpoch < 3 {
			t.Fatalf("op at parent epoch %d survived compaction at 3", op.Op.ParentEpoch)
		}
	}
	if len(ops) != 2 {
		t.Fatalf("%d ops remain, want the rotations at epochs 3 and 4", len(ops))
	}

	after, err := runtime.Journal.LoadFacts(ctx, namespace)
	if err != nil {
		t.Fatalf("LoadFacts: %v", err)
	}
	for epoch := uint64(3); epoch <= chain.State.Epoch; epoch++ {
		old, _ := reduce.AuthorityAt(authority, before, epoch, nil)
		compacted, _ := reduce.AuthorityAt(authority, after, epoch, nil)
		if !old.Tree.Equal(compacted.Tree) {
			t.Fatalf("state at epoch %d changed by compaction", epoch)
		}
	}
	current, _ := runtime.Tree.State(ctx, authority)
	if !current.Equal(chain.State) {
		t.Fatal("current state changed by compaction")
	}

	// Ops below the cut arriving later are ignored.
	if added, err := runtime.Tree.ApplyAttestedOp(ctx, authority, chain.Ops[0]); err != nil || added {
		t.Fatalf("ApplyAttestedOp below the cut = %v, %v", added, err)
	}
	if err := runtime.Tree.ApplySnapshot(ctx, authority, snapshot); err != nil {
		t.Fatalf("re-applying the snapshot: %v", err)
	}
}

func TestApproveRejectsForeignProposal(t *testing.T) {
	ctx := context.Background()
	founder := treetest.NewDevice(1)
	authority := ident.DeviceAuthority(founder.ID)
	runtime := newRuntime(t, founder)
	chain := treetest.Init(t, founder)
	for _, op := range chain.Ops {
		if _, err := runtime.Tree.ApplyAttestedOp(ctx, authority, op); err != nil {
			t.Fatalf("ApplyAttestedOp: %v", err)
		}
	}
	bogus := tree.NewProposal(authority, founder.ID, tree.Genesis())
	bogus.Cut = 1
	if _, err := runtime.Tree.ApproveSnapshot(ctx, authority, bogus); err == nil {
		t.Fatal("ApproveSnapshot accepted a proposal for a different state")
	}
}
