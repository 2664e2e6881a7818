// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/kvstore"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/tree"
)

// Mode is the execution mode a handler was built for.
type Mode uint8

const (
	ModeProduction Mode = iota + 1
	ModeTesting
	ModeSimulation
)

func (m Mode) String() string {
	switch m {
	case ModeProduction:
		return "production"
	case ModeTesting:
		return "testing"
	case ModeSimulation:
		return "simulation"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Handler is implemented by every effect handler.
type Handler interface {
	Mode() Mode
}

// Signer holds the local device key. Implementations keep the private
// half out of reach of callers.
type Signer interface {
	Device() ident.DeviceID
	Public() ed25519.PublicKey
	Sign(message []byte) []byte
}

// Time reads clocks. Logical ticks the local Lamport clock; Observe
// folds in a remote reading.
type Time interface {
	Handler
	Now() time.Time
	Physical() timestamp.TimeStamp
	Logical() timestamp.TimeStamp
	Observe(remote timestamp.Logical)
	Order() (timestamp.TimeStamp, error)
	Sleep(ctx context.Context, d time.Duration) error
	Clock() clock.Clock
}

// Random draws randomness. Simulation handlers are seeded.
type Random interface {
	Handler
	Bytes(n int) []byte
	Uint64() uint64

	// Range returns a value in [low, high). It panics if high <= low.
	Range(low, high uint64) uint64

	UUID() uuid.UUID

	// Reader exposes the source for APIs that take an io.Reader.
	Reader() io.Reader
}

// Crypto hashes, signs and seals. Key derivation and AEAD take a
// context so that hardware-backed handlers may block.
type Crypto interface {
	Handler
	Hash(domain digest.Domain, parts ...[]byte) digest.Hash
	GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error)
	Sign(key ed25519.PrivateKey, message []byte) []byte
	Verify(key ed25519.PublicKey, message, signature []byte) bool

	ThresholdCommit(signer ident.DeviceID) (threshold.Nonce, threshold.Commitment, error)
	ThresholdSign(key ed25519.PrivateKey, signer ident.DeviceID, message []byte) threshold.Share
	ThresholdAggregate(shares []threshold.Share) (threshold.Signature, error)
	ThresholdVerify(message []byte, signature threshold.Signature, keys map[ident.DeviceID]ed25519.PublicKey, required int) error

	DeriveKey(ctx context.Context, secret, salt, info []byte, length int) ([]byte, error)
	Seal(ctx context.Context, key, nonce, plaintext, additionalData []byte) ([]byte, error)
	Open(ctx context.Context, key, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Storage is a blob store.
type Storage interface {
	Handler
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Scan(ctx context.Context, prefix string) ([]kvstore.Entry, error)
	Batch(ctx context.Context, ops []kvstore.BatchOp) error
	Stats(ctx context.Context) (kvstore.Stats, error)
}

// Inbound is a frame received from a peer.
type Inbound struct {
	From  ident.DeviceID
	Frame []byte
}

// Network moves frames between devices. Frames are opaque here; the
// session runtime defines their content.
type Network interface {
	Handler
	Send(ctx context.Context, peer ident.DeviceID, frame []byte) error

	// Broadcast sends to every peer and returns the joined errors of
	// the sends that failed.
	Broadcast(ctx context.Context, peers []ident.DeviceID, frame []byte) error

	// Receive blocks for the next inbound frame.
	Receive(ctx context.Context) (Inbound, error)

	Connect(ctx context.Context, peer ident.DeviceID, address string) error
	Disconnect(ctx context.Context, peer ident.DeviceID) error
	Peers() []ident.DeviceID
}

// Journal persists facts and the per-context values derived from them
// that must be updated atomically.
type Journal interface {
	Handler

	// MergeFacts joins facts into a namespace and returns the ones
	// that were new.
	MergeFacts(ctx context.Context, namespace fact.Namespace, facts []fact.Fact) ([]fact.Fact, error)
	LoadFacts(ctx context.Context, namespace fact.Namespace) ([]fact.Fact, error)
	LoadFactsByID(ctx context.Context, namespace fact.Namespace, ids []timestamp.OrderTime) ([]fact.Fact, error)
	FactIDs(ctx context.Context, namespace fact.Namespace) ([]timestamp.OrderTime, error)
	Namespaces(ctx context.Context) ([]fact.Namespace, error)

	// RefineCaps narrows the capability recorded for a context by
	// meeting it with refinement, and returns the result.
	RefineCaps(ctx context.Context, contextID ident.ContextID, refinement capability.Cap) (capability.Cap, error)
	Caps(ctx context.Context, contextID ident.ContextID) (capability.Cap, error)

	FlowBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID) (fact.FlowBudget, error)
	UpdateFlowBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID, budget fact.FlowBudget) (fact.FlowBudget, error)

	// ChargeFlowBudget atomically spends cost. A denial leaves the
	// budget unchanged.
	ChargeFlowBudget(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID, cost uint64) (fact.FlowBudget, error)
}

// Tree stores attested ops per authority and drives snapshots.
type Tree interface {
	Handler

	// ApplyAttestedOp records op; it returns false if op was known.
	ApplyAttestedOp(ctx context.Context, authority ident.AuthorityID, op tree.AttestedOp) (bool, error)
	Ops(ctx context.Context, authority ident.AuthorityID) ([]tree.AttestedOp, error)
	State(ctx context.Context, authority ident.AuthorityID) (tree.State, error)

	ProposeSnapshot(ctx context.Context, authority ident.AuthorityID, cut uint64) (tree.Proposal, error)
	ApproveSnapshot(ctx context.Context, authority ident.AuthorityID, proposal tree.Proposal) (tree.Approval, error)
	FinalizeSnapshot(ctx context.Context, authority ident.AuthorityID, proposalID digest.Hash) (tree.Snapshot, error)
	ApplySnapshot(ctx context.Context, authority ident.AuthorityID, snapshot tree.Snapshot) error
}

// Authorization checks capability tokens. Tokens are keyed by the root
// key of their issuer.
type Authorization interface {
	Handler
	VerifyCapability(ctx context.Context, root ed25519.PublicKey, token []byte, request capability.Request) (capability.Result, error)
	DelegateCapability(ctx context.Context, token []byte, block capability.Block) ([]byte, error)
	RevokeCapability(ctx context.Context, token []byte, expiresAt time.Time) error
}

// LeakageEvent records metadata an observer learned.
type LeakageEvent struct {
	Context   ident.ContextID `cbor:"1,keyasint"`
	Observer  ident.DeviceID  `cbor:"2,keyasint"`
	Bits      uint64          `cbor:"3,keyasint"`
	Operation string          `cbor:"4,keyasint"`
	AtMillis  uint64          `cbor:"5,keyasint"`
}

// Leakage accounts metadata leakage against per-observer budgets.
type Leakage interface {
	Handler

	// RecordLeakage charges event against the observer's budget. A
	// charge beyond the budget is refused and not recorded.
	RecordLeakage(ctx context.Context, event LeakageEvent) error
	LeakageBudget(ctx context.Context, contextID ident.ContextID, observer ident.DeviceID) (uint64, error)
	LeakageHistory(ctx context.Context, contextID ident.ContextID) ([]LeakageEvent, error)
}

// Console is user-visible output.
type Console interface {
	Handler
	Logger() *slog.Logger
}

// Health summarizes component status.
type Health struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// System reports on the running node.
type System interface {
	Handler
	Health(ctx context.Context) Health
	Stats(ctx context.Context) (map[string]int64, error)
}
