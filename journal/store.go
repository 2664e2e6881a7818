// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/kvstore"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/tree"
)

// Config configures a Store.
type Config struct {
	Storage effect.Storage

	// DefaultFlowLimit is the budget limit assumed for a (context,
	// peer) pair with no recorded budget.
	DefaultFlowLimit uint64

	Logger *slog.Logger
}

// Store implements effect.Journal over a blob store.
type Store struct {
	storage      effect.Storage
	defaultLimit uint64
	logger       *slog.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	observers []Observer
}

// Observer is told about facts a merge added.
type Observer func(ctx context.Context, namespace fact.Namespace, added []fact.Fact)

// Observe registers observer for every later merge that adds facts.
func (s *Store) Observe(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

var _ effect.Journal = (*Store)(nil)

// NewStore returns a Store writing to cfg.Storage.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		storage:      cfg.Storage,
		defaultLimit: cfg.DefaultFlowLimit,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Mode returns the mode of the underlying storage handler.
func (s *Store) Mode() effect.Mode { return s.storage.Mode() }

// lock takes the writer lock for name and returns its release.
func (s *Store) lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// indexEntry is one element of tree_ops_index.
type indexEntry struct {
	ParentEpoch uint64      `cbor:"1,keyasint"`
	Op          digest.Hash `cbor:"2,keyasint"`
}

func compareIndexEntries(a, b indexEntry) int {
	if c := cmp.Compare(a.ParentEpoch, b.ParentEpoch); c != 0 {
		return c
	}
	return a.Op.Compare(b.Op)
}

// MergeFacts joins facts into namespace and returns the ones that were
// not already present, in canonical order. Every fact's id is checked;
// one bad fact rejects the whole merge. Attested ops below the
// authority's applied snapshot are dropped, since the snapshot already
// accounts for them.
//
// Observers are told about the new facts after the namespace lock is
// released.
func (s *Store) MergeFacts(ctx context.Context, namespace fact.Namespace, facts []fact.Fact) ([]fact.Fact, error) {
	added, err := s.merge(ctx, namespace, facts)
	if err != nil || len(added) == 0 {
		return added, err
	}
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, observe := range observers {
		observe(ctx, namespace, added)
	}
	return added, nil
}

func (s *Store) merge(ctx context.Context, namespace fact.Namespace, facts []fact.Fact) ([]fact.Fact, error) {
	for _, f := range facts {
		if err := f.Verify(); err != nil {
			return nil, fault.Wrapf(fault.KindInvalid, err, "merging fact %s into %s", f.ID.Short(), namespace)
		}
	}

	release := s.lock(namespace.String())
	defer release()

	authority, isAuthority := namespace.Authority()
	var cut uint64
	if isAuthority {
		var err error
		if cut, err = s.appliedCut(ctx, authority); err != nil {
			return nil, err
		}
	}

	seen := make(map[timestamp.OrderTime]bool, len(facts))
	var added []fact.Fact
	var batch []kvstore.BatchOp
	var newOps []indexEntry
	for _, f := range facts {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		if f.Content.Kind == fact.KindAttestedOp && isAuthority && f.Content.AttestedOp.Op.ParentEpoch < cut {
			continue
		}
		key := factKey(namespace, f.ID)
		_, exists, err := s.storage.Get(ctx, key)
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, err, "reading %s", key)
		}
		if exists {
			continue
		}
		data, err := f.Encode()
		if err != nil {
			return nil, err
		}
		batch = append(batch, kvstore.Put(key, data))
		added = append(added, f)

		if f.Content.Kind == fact.KindAttestedOp && isAuthority {
			op := *f.Content.AttestedOp
			encoded, err := codec.Marshal(op)
			if err != nil {
				return nil, fault.Serialization("encoding attested op: %v", err)
			}
			batch = append(batch, kvstore.Put(treeOpKey(authority, op.Hash()), encoded))
			newOps = append(newOps, indexEntry{ParentEpoch: op.Op.ParentEpoch, Op: op.Hash()})
		}
	}
	if len(added) == 0 {
		return nil, nil
	}

	if len(newOps) > 0 {
		indexOp, err := s.extendIndex(ctx, authority, newOps)
		if err != nil {
			return nil, err
		}
		batch = append(batch, indexOp)
	}
	if err := s.storage.Batch(ctx, batch); err != nil {
		return nil, fault.Wrapf(fault.KindStorage, err, "writing %d facts to %s", len(added), namespace)
	}

	for _, f := range added {
		if f.Content.Kind == fact.KindFlowBudget {
			budget := f.Content.FlowBudget
			if _, err := s.UpdateFlowBudget(ctx, budget.Context, budget.Peer, budget.Budget); err != nil {
				return nil, err
			}
		}
	}
	slices.SortFunc(added, fact.Compare)
	s.logger.Debug("merged facts", "namespace", namespace.String(), "new", len(added), "offered", len(facts))
	return added, nil
}

// extendIndex returns the batch op that writes authority's op index
// with entries added.
func (s *Store) extendIndex(ctx context.Context, authority ident.AuthorityID, entries []indexEntry) (kvstore.BatchOp, error) {
	index, err := s.readIndex(ctx, authority)
	if err != nil {
		return kvstore.BatchOp{}, err
	}
	for _, entry := range entries {
		position, found := slices.BinarySearchFunc(index, entry, compareIndexEntries)
		if !found {
			index = slices.Insert(index, position, entry)
		}
	}
	data, err := codec.Marshal(index)
	if err != nil {
		return kvstore.BatchOp{}, fault.Serialization("encoding op index: %v", err)
	}
	return kvstore.Put(treeIndexKey(authority), data), nil
}

func (s *Store) readIndex(ctx context.Context, authority ident.AuthorityID) ([]indexEntry, error) {
	data, ok, err := s.storage.Get(ctx, treeIndexKey(authority))
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, err, "reading op index of %s", authority.Short())
	}
	if !ok {
		return nil, nil
	}
	var index []indexEntry
	if err := codec.Unmarshal(data, &index); err != nil {
		return nil, fault.Serialization("decoding op index of %s: %v", authority.Short(), err)
	}
	return index, nil
}

// appliedCut returns the epoch of the newest applied snapshot, or zero.
func (s *Store) appliedCut(ctx context.Context, authority ident.AuthorityID) (uint64, error) {
	keys, err := s.storage.List(ctx, snapshotKeyPrefix(authority))
	if err != nil {
		return 0, fault.Wrapf(fault.KindStorage, err, "listing snapshots of %s", authority.Short())
	}
	if len(keys) == 0 {
		return 0, nil
	}
	last := keys[len(keys)-1]
	epoch, err := strconv.ParseUint(strings.TrimPrefix(last, snapshotKeyPrefix(authority)), 10, 64)
	if err != nil {
		return 0, fault.Storage("malformed snapshot key %q", last)
	}
	return epoch, nil
}

// LoadFacts returns every fact of namespace in canonical order.
func (s *Store) LoadFacts(ctx context.Context, namespace fact.Namespace) ([]fact.Fact, error) {
	entries, err := s.storage.Scan(ctx, namespacePrefix(namespace))
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, err, "scanning %s", namespace)
	}
	facts := make([]fact.Fact, 0, len(entries))
	for _, entry := range entries {
		f, err := fact.Decode(entry.Value)
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, err, "stored fact %s", entry.Key)
		}
		facts = append(facts, f)
	}
	slices.SortFunc(facts, fact.Compare)
	return facts, nil
}

// LoadFactsByID returns the facts of namespace with the given ids.
// Unknown ids are skipped.
func (s *Store) LoadFactsByID(ctx context.Context, namespace fact.Namespace, ids []timestamp.OrderTime) ([]fact.Fact, error) {
	facts := make([]fact.Fact, 0, len(ids))
	for _, id := range ids {
		data, ok, err := s.storage.Get(ctx, factKey(namespace, id))
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, err, "reading fact %s", id.Short())
		}
		if !ok {
			continue
		}
		f, err := fact.Decode(data)
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, err, "stored fact %s", id.Short())
		}
		facts = append(facts, f)
	}
	slices.SortFunc(facts, fact.Compare)
	return facts, nil
}

// FactIDs returns the ids held for namespace, sorted.
func (s *Store) FactIDs(ctx context.Context, namespace fact.Namespace) ([]timestamp.OrderTime, error) {
	keys, err := s.storage.List(ctx, namespacePrefix(namespace))
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, err, "listing %s", namespace)
	}
	ids := make([]timestamp.OrderTime, 0, len(keys))
	for _, key := range keys {
		_, id, err := parseFactKey(key)
		if err != nil {
			return nil, fault.Storage("malformed fact key: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Namespaces returns every namespace holding at least one fact.
func (s *Store) Namespaces(ctx context.Context) ([]fact.Namespace, error) {
	keys, err := s.storage.List(ctx, factPrefix)
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, err, "listing namespaces")
	}
	var namespaces []fact.Namespace
	for _, key := range keys {
		namespace, _, err := parseFactKey(key)
		if err != nil {
			return nil, fault.Storage("malformed fact key: %v", err)
		}
		if len(namespaces) == 0 || namespaces[len(namespaces)-1] != namespace {
			namespaces = append(namespaces, namespace)
		}
	}
	return namespaces, nil
}

// Caps returns the capability recorded for contextID. A context that
// was never refined has the top capability.
func (s *Store) Caps(ctx context.Context, contextID ident.ContextID) (capability.Cap, error) {
	data, ok, err := s.storage.Get(ctx, capsKey(contextID))
	if err != nil {
		return capability.Cap{}, fault.Wrapf(fault.KindStorage, err, "reading caps of %s", contextID.Short())
	}
	if !ok {
		return capability.Top(), nil
	}
	var c capability.Cap
	if err := codec.Unmarshal(data, &c); err != nil {
		return capability.Cap{}, fault.Serialization("decoding caps of %s: %v", contextID.Short(), err)
	}
	return c, nil
}

// RefineCaps meets the recorded capability with refinement. The result
// can only narrow.
func (s *Store) RefineCaps(ctx context.Context, contextID ident.ContextID, refinement capability.Cap) (capability.Cap, error) {
	release := s.lock(capsKey(contextID))
	defer release()
	current, err := s.Caps(ctx, contextID)
	if err != nil {
		return capability.Cap{}, err
	}
	refined := current.Meet(refinement)
	data, err := codec.Marshal(refined)
	if err != nil {
		return capability.Cap{}, fault.Serialization("encoding caps: %v", err)
	}
	if err := s.storage.Put(ctx, capsKey(contextID), data); err != nil {
		return capability.Cap{}, fault.Wrapf(fault.KindStorage, err, "writing caps of %s", contextID.Short())
	}
	return refined, nil
}

// FlowBudget returns the budget toward peer in contextID, or a fresh
// budget at the default limit.
func (s *Store) FlowBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID) (fact.FlowBudget, error) {
	data, ok, err := s.storage.Get(ctx, flowBudgetKey(contextID, peer))
	if err != nil {
		return fact.FlowBudget{}, fault.Wrapf(fault.KindStorage, err, "reading flow budget")
	}
	if !ok {
		return fact.NewFlowBudget(s.defaultLimit), nil
	}
	var budget fact.FlowBudget
	if err := codec.Unmarshal(data, &budget); err != nil {
		return fact.FlowBudget{}, fault.Serialization("decoding flow budget: %v", err)
	}
	return budget, nil
}

func (s *Store) writeBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID, budget fact.FlowBudget) error {
	data, err := codec.Marshal(budget)
	if err != nil {
		return fault.Serialization("encoding flow budget: %v", err)
	}
	if err := s.storage.Put(ctx, flowBudgetKey(contextID, peer), data); err != nil {
		return fault.Wrapf(fault.KindStorage, err, "writing flow budget")
	}
	return nil
}

// UpdateFlowBudget joins budget into the recorded one.
func (s *Store) UpdateFlowBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID, budget fact.FlowBudget) (fact.FlowBudget, error) {
	release := s.lock(flowBudgetKey(contextID, peer))
	defer release()
	current, err := s.FlowBudget(ctx, contextID, peer)
	if err != nil {
		return fact.FlowBudget{}, err
	}
	joined := current.Join(budget)
	if joined == current {
		return current, nil
	}
	if err := s.writeBudget(ctx, contextID, peer, joined); err != nil {
		return fact.FlowBudget{}, err
	}
	return joined, nil
}

// ChargeFlowBudget spends cost from the budget toward peer. On denial
// nothing is written and the unchanged budget is returned with the
// error.
func (s *Store) ChargeFlowBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID, cost uint64) (fact.FlowBudget, error) {
	release := s.lock(flowBudgetKey(contextID, peer))
	defer release()
	current, err := s.FlowBudget(ctx, contextID, peer)
	if err != nil {
		return fact.FlowBudget{}, err
	}
	charged, err := current.Charge(cost)
	if err != nil {
		return current, err
	}
	if err := s.writeBudget(ctx, contextID, peer, charged); err != nil {
		return current, err
	}
	return charged, nil
}

// pruneBelow removes attested ops of authority with a parent epoch
// below cut, both as facts and from the op log, and records snapshot
// as applied. It runs under the authority namespace lock.
func (s *Store) pruneBelow(ctx context.Context, snapshot tree.Snapshot) (int, error) {
	authority := snapshot.Authority
	namespace := fact.AuthorityNamespace(authority)
	release := s.lock(namespace.String())
	defer release()

	data, err := codec.Marshal(snapshot)
	if err != nil {
		return 0, fault.Serialization("encoding snapshot: %v", err)
	}
	batch := []kvstore.BatchOp{kvstore.Put(snapshotKey(authority, snapshot.AsOfEpoch), data)}

	entries, err := s.storage.Scan(ctx, namespacePrefix(namespace))
	if err != nil {
		return 0, fault.Wrapf(fault.KindStorage, err, "scanning %s", namespace)
	}
	pruned := 0
	for _, entry := range entries {
		f, err := fact.Decode(entry.Value)
		if err != nil {
			return 0, fault.Wrapf(fault.KindStorage, err, "stored fact %s", entry.Key)
		}
		if f.Content.Kind != fact.KindAttestedOp || f.Content.AttestedOp.Op.ParentEpoch >= snapshot.AsOfEpoch {
			continue
		}
		batch = append(batch,
			kvstore.Delete(entry.Key),
			kvstore.Delete(treeOpKey(authority, f.Content.AttestedOp.Hash())))
		pruned++
	}

	index, err := s.readIndex(ctx, authority)
	if err != nil {
		return 0, err
	}
	index = slices.DeleteFunc(index, func(entry indexEntry) bool {
		return entry.ParentEpoch < snapshot.AsOfEpoch
	})
	encoded, err := codec.Marshal(index)
	if err != nil {
		return 0, fault.Serialization("encoding op index: %v", err)
	}
	batch = append(batch, kvstore.Put(treeIndexKey(authority), encoded))

	if err := s.storage.Batch(ctx, batch); err != nil {
		return 0, fault.Wrapf(fault.KindStorage, err, "applying snapshot of %s", authority.Short())
	}
	return pruned, nil
}

// OpIndex returns the op hashes of authority in (parent epoch, hash)
// order.
func (s *Store) OpIndex(ctx context.Context, authority ident.AuthorityID) ([]digest.Hash, error) {
	index, err := s.readIndex(ctx, authority)
	if err != nil {
		return nil, err
	}
	hashes := make([]digest.Hash, len(index))
	for i, entry := range index {
		hashes[i] = entry.Op
	}
	return hashes, nil
}

// AppliedSnapshot returns the newest applied snapshot of authority.
func (s *Store) AppliedSnapshot(ctx context.Context, authority ident.AuthorityID) (*tree.Snapshot, error) {
	cut, err := s.appliedCut(ctx, authority)
	if err != nil || cut == 0 {
		return nil, err
	}
	data, ok, err := s.storage.Get(ctx, snapshotKey(authority, cut))
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, err, "reading snapshot")
	}
	if !ok {
		return nil, nil
	}
	var snapshot tree.Snapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return nil, fault.Serialization("decoding snapshot: %v", err)
	}
	return &snapshot, nil
}
