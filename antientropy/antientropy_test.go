// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/antientropy"
	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/handler"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/tree/treetest"
)

var (
	notes  = fact.ContextNamespace(ident.Derive[ident.Context]("test", []byte("notes")))
	photos = fact.ContextNamespace(ident.Derive[ident.Context]("test", []byte("photos")))
)

type replica struct {
	device   treetest.Device
	runtime  *handler.Runtime
	sessions *choreo.Runtime
	syncer   *antientropy.Syncer
	endpoint *handler.MemoryEndpoint
	merged   map[fact.Namespace]int
	results  []antientropy.Result
}

func newReplica(t *testing.T, hub *handler.MemoryHub, n int, share func(ident.DeviceID, fact.Namespace) bool) *replica {
	t.Helper()
	device := treetest.NewDevice(n)
	runtime, err := handler.ForTesting(handler.NewKeySigner(device.Private), hub)
	if err != nil {
		t.Fatalf("ForTesting: %v", err)
	}
	t.Cleanup(func() { runtime.Close() })
	r := &replica{
		device:   device,
		runtime:  runtime,
		sessions: choreo.NewRuntime(choreo.Config{Effects: runtime.Effects}),
		endpoint: runtime.Effects.Network.(*handler.MemoryEndpoint),
		merged:   make(map[fact.Namespace]int),
	}
	r.syncer = antientropy.NewSyncer(antientropy.Config{
		Effects:  runtime.Effects,
		Sessions: r.sessions,
		Share:    share,
		Merged: func(_ context.Context, _ ident.DeviceID, namespace fact.Namespace, added []fact.Fact) {
			r.merged[namespace] += len(added)
		},
	})
	return r
}

func (r *replica) clock() *clock.FakeClock { return r.runtime.Clock.(*clock.FakeClock) }

func (r *replica) add(t *testing.T, namespace fact.Namespace, lamport uint64, note string) fact.Fact {
	t.Helper()
	contextID, _ := namespace.Context()
	f, err := fact.New(timestamp.AtLamport(lamport), fact.Relate(contextID, "note/v1", []byte(note)))
	if err != nil {
		t.Fatalf("fact.New: %v", err)
	}
	if _, err := r.runtime.Journals.MergeFacts(context.Background(), namespace, []fact.Fact{f}); err != nil {
		t.Fatalf("MergeFacts: %v", err)
	}
	return f
}

func (r *replica) ids(t *testing.T, namespace fact.Namespace) []timestamp.OrderTime {
	t.Helper()
	ids, err := r.runtime.Journals.FactIDs(context.Background(), namespace)
	if err != nil {
		t.Fatalf("FactIDs: %v", err)
	}
	slices.SortFunc(ids, timestamp.OrderTime.Compare)
	return ids
}

func (r *replica) sync(t *testing.T, peer *replica) {
	t.Helper()
	err := r.syncer.Sync(context.Background(), peer.device.ID, func(result antientropy.Result) {
		r.results = append(r.results, result)
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func (r *replica) spent(t *testing.T, peer *replica) uint64 {
	t.Helper()
	budget, err := r.runtime.Journals.FlowBudget(context.Background(), antientropy.Context, peer.device.ID)
	if err != nil {
		t.Fatalf("FlowBudget: %v", err)
	}
	return budget.Spent
}

func settle(t *testing.T, replicas ...*replica) {
	t.Helper()
	ctx := context.Background()
	for range 1000 {
		delivered := false
		for _, r := range replicas {
			for {
				inbound, ok := r.endpoint.TryReceive()
				if !ok {
					break
				}
				delivered = true
				if err := r.sessions.HandleFrame(ctx, inbound.From, inbound.Frame); err != nil {
					t.Logf("%s handling frame from %s: %v", r.device.ID.Short(), inbound.From.Short(), err)
				}
			}
		}
		if !delivered {
			return
		}
	}
	t.Fatal("frames still flowing after 1000 rounds")
}

func orderTime(n byte) timestamp.OrderTime {
	var id timestamp.OrderTime
	id[0] = n
	return id
}

func TestNewDigestIgnoresOrderAndDuplicates(t *testing.T) {
	a := antientropy.NewDigest(notes, []timestamp.OrderTime{orderTime(3), orderTime(1), orderTime(2)})
	b := antientropy.NewDigest(notes, []timestamp.OrderTime{orderTime(1), orderTime(2), orderTime(2), orderTime(3)})
	if a.Root != b.Root {
		t.Error("digests of the same set differ")
	}
	if !slices.Equal(a.IDs, []timestamp.OrderTime{orderTime(1), orderTime(2), orderTime(3)}) {
		t.Errorf("IDs = %v, want sorted", a.IDs)
	}
	c := antientropy.NewDigest(notes, []timestamp.OrderTime{orderTime(1), orderTime(2)})
	if a.Root == c.Root {
		t.Error("digests of different sets share a root")
	}
}

func TestDiff(t *testing.T) {
	local := antientropy.NewDigest(notes, []timestamp.OrderTime{orderTime(1), orderTime(2), orderTime(4)})
	remote := antientropy.NewDigest(notes, []timestamp.OrderTime{orderTime(2), orderTime(3), orderTime(5)})

	push, pull := antientropy.Diff(local, remote)
	if want := []timestamp.OrderTime{orderTime(1), orderTime(4)}; !slices.Equal(push, want) {
		t.Errorf("push = %v, want %v", push, want)
	}
	if want := []timestamp.OrderTime{orderTime(3), orderTime(5)}; !slices.Equal(pull, want) {
		t.Errorf("pull = %v, want %v", pull, want)
	}

	push, pull = antientropy.Diff(local, local)
	if push != nil || pull != nil {
		t.Errorf("Diff of equal digests = %v, %v", push, pull)
	}

	empty := antientropy.NewDigest(notes, nil)
	push, pull = antientropy.Diff(empty, local)
	if len(push) != 0 || len(pull) != 3 {
		t.Errorf("Diff against empty = %v, %v", push, pull)
	}
}

func TestSyncExchangesBothDirections(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	bob := newReplica(t, hub, 2, nil)

	alice.add(t, notes, 1, "a1")
	alice.add(t, notes, 2, "a2")
	bob.add(t, notes, 3, "b1")
	bob.add(t, photos, 4, "b2")

	alice.sync(t, bob)
	settle(t, alice, bob)

	if len(alice.results) != 1 {
		t.Fatalf("alice saw %d results, want 1", len(alice.results))
	}
	result := alice.results[0]
	if result.Err != nil {
		t.Fatalf("round failed: %v", result.Err)
	}
	if result.Peer != bob.device.ID || result.Pulled != 1 || result.Pushed != 2 {
		t.Errorf("result = %+v, want 1 pulled and 2 pushed from bob", result)
	}
	if !slices.Equal(alice.ids(t, notes), bob.ids(t, notes)) {
		t.Error("notes did not converge")
	}
	if bob.merged[notes] != 2 || alice.merged[notes] != 1 {
		t.Errorf("merged callbacks: alice %v, bob %v", alice.merged, bob.merged)
	}

	// A round covers the namespaces the initiator holds, so photos only
	// flows when bob initiates.
	if len(alice.ids(t, photos)) != 0 {
		t.Error("alice received a namespace it never offered")
	}
	bob.sync(t, alice)
	settle(t, alice, bob)
	if !slices.Equal(alice.ids(t, photos), bob.ids(t, photos)) {
		t.Error("photos did not converge")
	}
	if len(bob.results) != 1 || bob.results[0].Pulled != 0 || bob.results[0].Pushed != 1 {
		t.Errorf("bob's round = %+v", bob.results)
	}
}

func TestSyncChargesPerFact(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	bob := newReplica(t, hub, 2, nil)

	alice.add(t, notes, 1, "a1")
	alice.add(t, notes, 2, "a2")
	bob.add(t, notes, 3, "b1")

	alice.sync(t, bob)
	settle(t, alice, bob)

	// digest (1) plus facts (2 pushed + 1).
	if got := alice.spent(t, bob); got != 4 {
		t.Errorf("alice spent %d, want 4", got)
	}
	// reply carrying one fact.
	if got := bob.spent(t, alice); got != 2 {
		t.Errorf("bob spent %d, want 2", got)
	}

	// Converged replicas still pay for the digest and the empty
	// messages.
	alice.sync(t, bob)
	settle(t, alice, bob)
	if got := alice.spent(t, bob); got != 6 {
		t.Errorf("alice spent %d after a no-op round, want 6", got)
	}
}

func TestSyncStopsAtExhaustedBudget(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	bob := newReplica(t, hub, 2, nil)
	alice.add(t, notes, 1, "a1")

	ctx := context.Background()
	budget, err := alice.runtime.Journals.FlowBudget(ctx, antientropy.Context, bob.device.ID)
	if err != nil {
		t.Fatalf("FlowBudget: %v", err)
	}
	if _, err := alice.runtime.Journals.ChargeFlowBudget(ctx, antientropy.Context, bob.device.ID, budget.Headroom()); err != nil {
		t.Fatalf("ChargeFlowBudget: %v", err)
	}

	alice.sync(t, bob)
	settle(t, alice, bob)

	if len(alice.results) != 1 || alice.results[0].Err == nil {
		t.Fatalf("results = %+v, want one failed round", alice.results)
	}
	if !fault.IsKind(alice.results[0].Err, fault.KindAuthorization) {
		t.Errorf("error = %v, want an authorization denial", alice.results[0].Err)
	}
	if len(bob.ids(t, notes)) != 0 {
		t.Error("facts moved despite the exhausted budget")
	}
}

func TestSyncHonorsShare(t *testing.T) {
	hub := handler.NewMemoryHub()
	private := func(_ ident.DeviceID, namespace fact.Namespace) bool { return namespace != photos }
	alice := newReplica(t, hub, 1, private)
	bob := newReplica(t, hub, 2, nil)

	alice.add(t, notes, 1, "a1")
	alice.add(t, photos, 2, "secret")

	alice.sync(t, bob)
	settle(t, alice, bob)
	bob.sync(t, alice)
	settle(t, alice, bob)

	if len(bob.ids(t, notes)) != 1 {
		t.Error("shared namespace did not sync")
	}
	if len(bob.ids(t, photos)) != 0 {
		t.Error("unshared namespace leaked")
	}
}

func TestSyncRoundTimesOut(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	bob := newReplica(t, hub, 2, nil)
	alice.add(t, notes, 1, "a1")

	alice.sync(t, bob)
	// bob never answers.
	bob.endpoint.TryReceive()
	alice.clock().Advance(antientropy.DefaultRoundTimeout)

	if len(alice.results) != 1 {
		t.Fatalf("alice saw %d results, want 1", len(alice.results))
	}
	if !fault.IsKind(alice.results[0].Err, fault.KindNetwork) {
		t.Errorf("error = %v, want a network fault", alice.results[0].Err)
	}
	if alice.sessions.Active() != 0 {
		t.Errorf("%d sessions still active", alice.sessions.Active())
	}
}

func TestReplicasConvergeUnderRepeatedRounds(t *testing.T) {
	hub := handler.NewMemoryHub()
	replicas := []*replica{
		newReplica(t, hub, 1, nil),
		newReplica(t, hub, 2, nil),
		newReplica(t, hub, 3, nil),
	}
	for i, r := range replicas {
		for j := range 3 {
			r.add(t, notes, uint64(10*i+j+1), "note")
		}
	}
	replicas[2].add(t, photos, 100, "photo")

	for _, pair := range [][2]int{{0, 1}, {1, 2}, {2, 0}, {0, 1}, {1, 2}} {
		replicas[pair[0]].sync(t, replicas[pair[1]])
		settle(t, replicas...)
	}

	want := replicas[0].ids(t, notes)
	if len(want) != 9 {
		t.Fatalf("replica 0 holds %d notes, want 9", len(want))
	}
	for i, r := range replicas {
		if !slices.Equal(r.ids(t, notes), want) {
			t.Errorf("replica %d notes differ", i)
		}
		if len(r.ids(t, photos)) != 1 {
			t.Errorf("replica %d holds %d photos, want 1", i, len(r.ids(t, photos)))
		}
	}
}

func newScheduler(t *testing.T, r *replica, peers []ident.DeviceID) *antientropy.Scheduler {
	t.Helper()
	return antientropy.NewScheduler(antientropy.SchedulerConfig{
		Syncer:     r.syncer,
		Effects:    r.runtime.Effects,
		Peers:      func() []ident.DeviceID { return peers },
		Fanout:     2,
		BackoffMin: time.Second,
		BackoffMax: 4 * time.Second,
	})
}

func TestSchedulerFanout(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	peers := []ident.DeviceID{alice.device.ID}
	for n := 2; n <= 6; n++ {
		device := treetest.NewDevice(n).ID
		hub.Endpoint(effect.ModeTesting, device)
		peers = append(peers, device)
	}
	scheduler := newScheduler(t, alice, peers)

	// Nobody answers, so chosen peers stay in flight and the next round
	// must pick others.
	seen := make(map[ident.DeviceID]bool)
	for _, want := range []int{2, 2, 1, 0} {
		chosen := scheduler.Round(context.Background())
		if len(chosen) != want {
			t.Fatalf("round chose %d peers, want %d", len(chosen), want)
		}
		for _, peer := range chosen {
			if peer == alice.device.ID {
				t.Fatal("scheduler chose its own device")
			}
			if seen[peer] {
				t.Fatalf("peer %s chosen while in flight", peer.Short())
			}
			seen[peer] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("covered %d peers, want 5", len(seen))
	}
}

func TestSchedulerBacksOff(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	bob := treetest.NewDevice(2)
	scheduler := newScheduler(t, alice, []ident.DeviceID{bob.ID})
	ctx := context.Background()

	// bob is not on the hub; every round fails once retries run out.
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		if chosen := scheduler.Round(ctx); len(chosen) != 1 {
			t.Fatalf("round chose %v, want bob", chosen)
		}
		alice.clock().Advance(time.Minute)
		delay, ok := scheduler.Backoff(bob.ID)
		if !ok || delay != want {
			t.Fatalf("backoff = %v (%v), want %v", delay, ok, want)
		}
	}

	// A backing-off peer is skipped until its delay passes.
	alice.clock().Advance(time.Minute)
	scheduler.Round(ctx)
	alice.clock().Advance(2 * time.Second)
	if chosen := scheduler.Round(ctx); len(chosen) != 0 {
		t.Errorf("round chose %v during backoff", chosen)
	}

	// Success clears the backoff.
	bobReplica := newReplica(t, hub, 2, nil)
	alice.clock().Advance(time.Minute)
	if chosen := scheduler.Round(ctx); len(chosen) != 1 {
		t.Fatalf("round chose %v, want bob", chosen)
	}
	settle(t, alice, bobReplica)
	if _, ok := scheduler.Backoff(bob.ID); ok {
		t.Error("backoff survived a successful round")
	}
}

func TestSchedulerTickReplenishesBudgets(t *testing.T) {
	hub := handler.NewMemoryHub()
	alice := newReplica(t, hub, 1, nil)
	bob := newReplica(t, hub, 2, nil)
	alice.add(t, notes, 1, "a1")

	scheduler := newScheduler(t, alice, []ident.DeviceID{bob.device.ID})
	if chosen := scheduler.Round(context.Background()); len(chosen) != 1 {
		t.Fatalf("round chose %v, want bob", chosen)
	}
	settle(t, alice, bob)
	if alice.spent(t, bob) == 0 {
		t.Fatal("round spent nothing")
	}

	scheduler.Tick(context.Background())
	budget, err := alice.runtime.Journals.FlowBudget(context.Background(), antientropy.Context, bob.device.ID)
	if err != nil {
		t.Fatalf("FlowBudget: %v", err)
	}
	if budget.Epoch != 1 {
		t.Errorf("budget epoch = %d, want 1", budget.Epoch)
	}
	// The tick's own round spent only its digest so far.
	if budget.Spent != 1 {
		t.Errorf("spent after tick = %d, want 1", budget.Spent)
	}
}
