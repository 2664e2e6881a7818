// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/tree"
)

// Mode is how far a ceremony's outcome has been agreed.
type Mode uint8

const (
	// ModePending: no attested op yet.
	ModePending Mode = iota

	// ModeProvisional: the coordinator aggregated the chain and
	// recorded it locally.
	ModeProvisional

	// ModeSoftSafe: a quorum of the window acknowledged the chain.
	ModeSoftSafe

	// ModeFinalized: the whole window acknowledged the chain and the
	// certificate is in the journal.
	ModeFinalized

	// ModeReverted: the ceremony ended with a reversion.
	ModeReverted
)

func (m Mode) String() string {
	switch m {
	case ModePending:
		return "pending"
	case ModeProvisional:
		return "provisional"
	case ModeSoftSafe:
		return "coordinator_soft_safe"
	case ModeFinalized:
		return "consensus_finalized"
	case ModeReverted:
		return "reverted"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Terminal reports whether no further progress is possible.
func (m Mode) Terminal() bool { return m == ModeFinalized || m == ModeReverted }

// Result is the outcome of a ceremony. Exactly one of Cert and
// Reversion is set once the mode is terminal.
type Result struct {
	Ceremony  ident.CeremonyID
	Authority ident.AuthorityID
	OpID      digest.Hash
	Mode      Mode
	Ops       []tree.AttestedOp
	Cert      *fact.ConvergenceCert
	Reversion *fact.Reversion
}

// Err describes a reverted ceremony as a Coordination fault, or nil.
func (r Result) Err() error {
	if r.Reversion == nil {
		return nil
	}
	if r.Reversion.Winner != nil {
		return fault.Coordination("ceremony %s reverted (%s): op %s won the prestate",
			r.Ceremony.Short(), r.Reversion.Reason, r.Reversion.Winner.Short())
	}
	return fault.Coordination("ceremony %s reverted (%s)", r.Ceremony.Short(), r.Reversion.Reason)
}

// Committed describes a chain this device helped sign and received
// the commit for.
type Committed struct {
	Authority   ident.AuthorityID
	Coordinator ident.DeviceID
	Ceremony    ident.CeremonyID
	Ops         []tree.AttestedOp

	// Enrolled is set when the chain added this device.
	Enrolled bool
}

// Config configures a Manager.
type Config struct {
	Effects  *effect.Effects
	Sessions *choreo.Runtime

	// Timeouts holds the coordinator's per-phase timeouts and retry
	// count. Zero fields take the configuration defaults.
	Timeouts config.CeremonyConfig

	// Committed, when set, is called after a participant records a
	// committed chain.
	Committed func(ctx context.Context, committed Committed)

	Logger *slog.Logger
}

// Manager runs the ceremonies of one device, as coordinator, as
// participant and as window member.
type Manager struct {
	effects   *effect.Effects
	sessions  *choreo.Runtime
	timeouts  config.CeremonyConfig
	committed func(ctx context.Context, committed Committed)
	logger    *slog.Logger

	mu          sync.Mutex
	ceremonies  map[ident.CeremonyID]*Ceremony
	enrollments map[string]EnrollmentCode

	// locksMu is taken after any Ceremony.mu, never before.
	locksMu sync.Mutex
	locks   map[lockKey]ackLock
}

type lockKey struct {
	authority ident.AuthorityID
	prestate  digest.Hash
}

// ackLock is a member's promise to acknowledge only op at a prestate.
// owner is set while the lock belongs to this device's own live
// ceremony, which is the only kind of lock that may be transferred.
type ackLock struct {
	op    digest.Hash
	owner *Ceremony
}

// NewManager returns a manager and registers its responders on the
// session runtime.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeouts := cfg.Timeouts
	defaults := config.Default().Ceremony
	if timeouts.Execute == 0 {
		timeouts.Execute = defaults.Execute
	}
	if timeouts.NonceCommit == 0 {
		timeouts.NonceCommit = defaults.NonceCommit
	}
	if timeouts.Sign == 0 {
		timeouts.Sign = defaults.Sign
	}
	if timeouts.Converge == 0 {
		timeouts.Converge = defaults.Converge
	}
	if timeouts.Retries == 0 {
		timeouts.Retries = defaults.Retries
	}
	m := &Manager{
		effects:     cfg.Effects,
		sessions:    cfg.Sessions,
		timeouts:    timeouts,
		committed:   cfg.Committed,
		logger:      logger,
		ceremonies:  make(map[ident.CeremonyID]*Ceremony),
		enrollments: make(map[string]EnrollmentCode),
		locks:       make(map[lockKey]ackLock),
	}
	m.sessions.Accept(choreo.Ceremony, m.acceptParticipant)
	m.sessions.Accept(choreo.Converge, m.acceptWitness)
	return m
}

// Request describes a ceremony to start.
type Request struct {
	Authority ident.AuthorityID

	// Ops is the chain to sign, starting at the local state.
	Ops []tree.Op

	// Witness raises the number of signers every op needs.
	Witness uint32

	// Enrollment is the code of a device the chain adds. The device is
	// invited even though it is not yet a member.
	Enrollment *EnrollmentCode
}

// Start begins coordinating req. The returned Ceremony completes
// asynchronously as frames arrive and timers fire.
func (m *Manager) Start(ctx context.Context, req Request) (*Ceremony, error) {
	state, err := m.effects.Tree.State(ctx, req.Authority)
	if err != nil {
		return nil, err
	}
	chain, err := Replay(state, req.Ops)
	if err != nil {
		return nil, err
	}
	self := m.effects.Device
	if !slices.Contains(chain.Members(), self) {
		return nil, fault.Authorization("device %s cannot sign any op of the chain", self.Short())
	}
	if req.Enrollment != nil {
		if err := req.Enrollment.Validate(); err != nil {
			return nil, err
		}
		if !addsLeaf(req.Ops, req.Enrollment.Leaf()) {
			return nil, fault.Invalid("chain does not add the enrolling device %s", req.Enrollment.Device.Short())
		}
	}
	id, err := ident.Random[ident.Ceremony](m.effects.Random.Reader())
	if err != nil {
		return nil, fault.Internal("drawing ceremony id: %v", err)
	}

	c := newCeremony(m, id, req, chain)
	if err := m.lock(req.Authority, chain.Parent().Prestate(), c.opID, c); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.ceremonies[id] = c
	m.mu.Unlock()

	m.logger.Info("ceremony started",
		"ceremony_id", id.Short(),
		"authority", req.Authority.Short(),
		"op_hash", c.opID.Short(),
		"ops", len(req.Ops),
		"epoch", chain.Parent().Epoch,
	)
	c.start(ctx)
	return c, nil
}

// Ceremony returns a ceremony this device coordinates.
func (m *Manager) Ceremony(id ident.CeremonyID) (*Ceremony, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.ceremonies[id]
	return c, ok
}

// Ceremonies returns the ids of ceremonies still running, sorted.
func (m *Manager) Ceremonies() []ident.CeremonyID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var running []ident.CeremonyID
	for id, c := range m.ceremonies {
		if !c.Mode().Terminal() {
			running = append(running, id)
		}
	}
	slices.SortFunc(running, ident.Compare[ident.Ceremony])
	return running
}

// ExpectEnrollment arms code: a chain adding this device with the
// code's nonce will be accepted even though the device is not yet a
// member of the authority.
func (m *Manager) ExpectEnrollment(code EnrollmentCode) error {
	if code.Device != m.effects.Device {
		return fault.Invalid("enrollment code is for %s, this device is %s", code.Device.Short(), m.effects.Device.Short())
	}
	if err := code.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[string(code.Nonce)] = code
	return nil
}

func (m *Manager) enrollment(nonce []byte) (EnrollmentCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.enrollments[string(nonce)]
	return code, ok
}

func (m *Manager) consumeEnrollment(nonce []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrollments, string(nonce))
}

// lock takes the ack lock at prestate for op on behalf of owner.
func (m *Manager) lock(authority ident.AuthorityID, prestate, op digest.Hash, owner *Ceremony) error {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	key := lockKey{authority: authority, prestate: prestate}
	if held, ok := m.locks[key]; ok && held.op != op {
		return fault.Coordination("prestate %s is locked by op %s", prestate.Short(), held.op.Short())
	}
	m.locks[key] = ackLock{op: op, owner: owner}
	return nil
}

func (m *Manager) lockAt(authority ident.AuthorityID, prestate digest.Hash) (ackLock, bool) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	held, ok := m.locks[lockKey{authority: authority, prestate: prestate}]
	return held, ok
}

// holds reports whether owner's op still holds the lock at prestate.
func (m *Manager) holds(authority ident.AuthorityID, prestate digest.Hash, owner *Ceremony) bool {
	held, ok := m.lockAt(authority, prestate)
	return ok && held.owner == owner
}

// release drops owner's lock at prestate. A lock already transferred
// to another op is left alone.
func (m *Manager) release(authority ident.AuthorityID, prestate digest.Hash, owner *Ceremony) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	key := lockKey{authority: authority, prestate: prestate}
	if held, ok := m.locks[key]; ok && held.owner == owner {
		delete(m.locks, key)
	}
}

// settle marks the lock at prestate as belonging to a decided op that
// can no longer be transferred.
func (m *Manager) settle(authority ident.AuthorityID, prestate, op digest.Hash) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	m.locks[lockKey{authority: authority, prestate: prestate}] = ackLock{op: op}
}

// transfer moves owner's lock at prestate to op. It fails if the lock
// is no longer owner's.
func (m *Manager) transfer(authority ident.AuthorityID, prestate digest.Hash, owner *Ceremony, op digest.Hash) bool {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	key := lockKey{authority: authority, prestate: prestate}
	held, ok := m.locks[key]
	if !ok || held.owner != owner {
		return false
	}
	m.locks[key] = ackLock{op: op}
	return true
}

// record merges content into authority's namespace and returns the
// fact as written.
func (m *Manager) record(ctx context.Context, authority ident.AuthorityID, content fact.Content) (fact.Fact, error) {
	f, err := fact.New(m.effects.Time.Logical(), content)
	if err != nil {
		return fact.Fact{}, err
	}
	if _, err := m.effects.Journal.MergeFacts(ctx, fact.AuthorityNamespace(authority), []fact.Fact{f}); err != nil {
		return fact.Fact{}, err
	}
	return f, nil
}

func addsLeaf(ops []tree.Op, leaf tree.LeafNode) bool {
	for _, op := range ops {
		if op.Kind == tree.OpAddLeaf && op.Leaf.Device == leaf.Device && op.Leaf.PublicKey.Equal(leaf.PublicKey) {
			return true
		}
	}
	return false
}

// sortedDevices returns the keys of a device-keyed map in order.
func sortedDevices[V any](m map[ident.DeviceID]V) []ident.DeviceID {
	return slices.SortedFunc(maps.Keys(m), ident.Compare[ident.Device])
}

// outbox collects work to run after a lock is released. Sends can
// abort sessions, and abort callbacks take the ceremony lock.
type outbox []func(ctx context.Context)

func (o *outbox) add(f func(ctx context.Context)) { *o = append(*o, f) }

func (o outbox) run(ctx context.Context) {
	for _, f := range o {
		f(ctx)
	}
}
