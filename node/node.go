// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/quorum/antientropy"
	"github.com/bureau-foundation/quorum/ceremony"
	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/handler"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/reduce"
	"github.com/bureau-foundation/quorum/relational"
	"github.com/bureau-foundation/quorum/tree"
	"github.com/bureau-foundation/quorum/view"
)

// authorityKey is the storage key holding the authority this device
// belongs to.
const authorityKey = "node/authority"

// ViewFacts names the built-in view counting every merged fact.
const ViewFacts = "facts"

// ErrNoAuthority is returned by operations that act for an authority
// before the node has one.
var ErrNoAuthority = fault.Invalid("node has no authority: initialize one or enroll into one first")

// Config configures a Node.
type Config struct {
	Runtime *handler.Runtime

	// Settings supplies ceremony, sync and view tuning. Nil takes
	// config.Default().
	Settings *config.Config

	// Registry reduces relational facts. Nil takes the built-in
	// binding types.
	Registry *fact.Registry

	Logger *slog.Logger
}

// Node is the runtime of one device.
type Node struct {
	runtime  *handler.Runtime
	effects  *effect.Effects
	settings *config.Config
	registry *fact.Registry
	cache    *tree.VerifyCache
	logger   *slog.Logger

	tokens     *choreo.Tokens
	sessions   *choreo.Runtime
	ceremonies *ceremony.Manager
	syncer     *antientropy.Syncer
	scheduler  *antientropy.Scheduler
	views      *view.Engine

	mu          sync.Mutex
	authority   ident.AuthorityID
	invitations map[ident.InvitationID]relational.Invitation
}

// New assembles a node over cfg.Runtime and loads the authority it
// belongs to, if any.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Runtime == nil {
		return nil, fault.Invalid("node needs a runtime")
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = relational.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	effects := cfg.Runtime.Effects
	n := &Node{
		runtime:     cfg.Runtime,
		effects:     effects,
		settings:    settings,
		registry:    registry,
		cache:       tree.NewVerifyCache(),
		logger:      logger,
		tokens:      choreo.NewTokens(),
		invitations: make(map[ident.InvitationID]relational.Invitation),
	}

	n.sessions = choreo.NewRuntime(choreo.Config{
		Effects: effects,
		Tokens:  n.tokens,
		Logger:  logger,
	})
	n.ceremonies = ceremony.NewManager(ceremony.Config{
		Effects:   effects,
		Sessions:  n.sessions,
		Timeouts:  settings.Ceremony,
		Committed: n.committed,
		Logger:    logger,
	})
	n.syncer = antientropy.NewSyncer(antientropy.Config{
		Effects:  effects,
		Sessions: n.sessions,
		Logger:   logger,
	})
	n.scheduler = antientropy.NewScheduler(antientropy.SchedulerConfig{
		Syncer:     n.syncer,
		Effects:    effects,
		Peers:      n.peers,
		Interval:   settings.Sync.Interval.Std(),
		Fanout:     settings.Sync.Fanout,
		BackoffMin: settings.Sync.BackoffMin.Std(),
		BackoffMax: settings.Sync.BackoffMax.Std(),
		Logger:     logger,
	})
	n.views = view.NewEngine(view.Config{
		Clock:       effects.Time.Clock(),
		BatchWindow: settings.View.BatchWindow.Std(),
		Logger:      logger,
	})
	if _, err := view.Source(n.views, ViewFacts, view.Everything, 0, func(count int, _ fact.Namespace, _ fact.Fact) int {
		return count + 1
	}); err != nil {
		return nil, err
	}
	n.sessions.Accept(choreo.Invitation, n.acceptInvitee)
	n.sessions.Accept(choreo.Moderation, n.acceptFlag)
	cfg.Runtime.Journals.Observe(n.observe)

	stored, found, err := effects.Storage.Get(ctx, authorityKey)
	if err != nil {
		return nil, err
	}
	if found {
		authority, err := ident.FromBytes[ident.Authority](stored)
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, err, "stored authority")
		}
		n.authority = authority
	}
	return n, nil
}

// Device returns the local device id.
func (n *Node) Device() ident.DeviceID { return n.effects.Device }

// Effects returns the effect system the node runs on.
func (n *Node) Effects() *effect.Effects { return n.effects }

// Sessions returns the session runtime.
func (n *Node) Sessions() *choreo.Runtime { return n.sessions }

// Ceremonies returns the ceremony manager.
func (n *Node) Ceremonies() *ceremony.Manager { return n.ceremonies }

// Scheduler returns the anti-entropy scheduler.
func (n *Node) Scheduler() *antientropy.Scheduler { return n.scheduler }

// Views returns the view engine. Callers add their own views to it.
func (n *Node) Views() *view.Engine { return n.views }

// Authority returns the authority the node acts for.
func (n *Node) Authority() (ident.AuthorityID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.authority, !n.authority.IsZero()
}

func (n *Node) requireAuthority() (ident.AuthorityID, error) {
	authority, ok := n.Authority()
	if !ok {
		return ident.AuthorityID{}, ErrNoAuthority
	}
	return authority, nil
}

// adopt binds the node to authority and persists the choice.
func (n *Node) adopt(ctx context.Context, authority ident.AuthorityID) error {
	n.mu.Lock()
	current := n.authority
	n.authority = authority
	n.mu.Unlock()
	if current == authority {
		return nil
	}
	if !current.IsZero() {
		n.logger.Warn("node moved to another authority", "previous", current.Short(), "authority", authority.Short())
	}
	if err := n.effects.Storage.Put(ctx, authorityKey, authority.Bytes()); err != nil {
		return err
	}
	n.logger.Info("authority adopted", "authority", authority.Short())
	return nil
}

// observe feeds every merge to the views and the sync scheduler.
func (n *Node) observe(_ context.Context, namespace fact.Namespace, added []fact.Fact) {
	n.views.Ingest(namespace, added)
	n.scheduler.Trigger()
}

// committed runs after this device signed and received a chain. An
// enrolled device adopts the authority, and either way the coordinator
// is asked for the rest of the log.
func (n *Node) committed(ctx context.Context, committed ceremony.Committed) {
	if committed.Enrolled {
		if err := n.adopt(ctx, committed.Authority); err != nil {
			n.logger.Error("recording enrollment", "authority", committed.Authority.Short(), "error", err)
		}
	}
	if err := n.syncer.Sync(ctx, committed.Coordinator, nil); err != nil {
		n.logger.Warn("sync after commit", "peer", committed.Coordinator.Short(), "error", err)
	}
}

// peers lists the sync candidates: connected peers and the other
// devices of the authority.
func (n *Node) peers() []ident.DeviceID {
	peers := n.effects.Network.Peers()
	if authority, ok := n.Authority(); ok {
		state, err := n.effects.Tree.State(context.Background(), authority)
		if err != nil {
			n.logger.Warn("loading tree for sync peers", "authority", authority.Short(), "error", err)
		} else {
			for _, leaf := range state.Leaves {
				peers = append(peers, leaf.Device)
			}
		}
	}
	slices.SortFunc(peers, ident.Compare[ident.Device])
	return slices.Compact(peers)
}

// HandleFrame delivers one inbound frame to the session runtime.
func (n *Node) HandleFrame(ctx context.Context, from ident.DeviceID, frame []byte) error {
	return n.sessions.HandleFrame(ctx, from, frame)
}

// Serve reads frames from the network handler and runs the sync
// scheduler until ctx is done. Frames that fail are logged and
// dropped.
func (n *Node) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.scheduler.Run(ctx)
	}()
	defer wg.Wait()

	n.logger.Info("node serving", "device", n.Device().Short())
	for {
		inbound, err := n.effects.Network.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fault.Wrap(fault.KindNetwork, err)
		}
		if err := n.HandleFrame(ctx, inbound.From, inbound.Frame); err != nil {
			n.logger.Warn("frame dropped", "peer", inbound.From.Short(), "error", err)
		}
	}
}

// Sync starts an anti-entropy round with peer. done, when set, hears
// the outcome.
func (n *Node) Sync(ctx context.Context, peer ident.DeviceID, done func(antientropy.Result)) error {
	return n.syncer.Sync(ctx, peer, done)
}

// AuthorityState reduces the node's own authority.
func (n *Node) AuthorityState(ctx context.Context) (reduce.AuthorityState, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return reduce.AuthorityState{}, err
	}
	return n.ReduceAuthority(ctx, authority)
}

// ReduceAuthority reduces whatever this device holds of authority's
// journal. Reduction warnings are logged.
func (n *Node) ReduceAuthority(ctx context.Context, authority ident.AuthorityID) (reduce.AuthorityState, error) {
	facts, err := n.effects.Journal.LoadFacts(ctx, fact.AuthorityNamespace(authority))
	if err != nil {
		return reduce.AuthorityState{}, err
	}
	state, warnings := reduce.Authority(authority, facts, reduce.Options{Cache: n.cache, Registry: n.registry})
	n.warn(fact.AuthorityNamespace(authority), warnings)
	return state, nil
}

// ContextState reduces the relational journal of contextID.
func (n *Node) ContextState(ctx context.Context, contextID ident.ContextID) (reduce.ContextState, error) {
	facts, err := n.effects.Journal.LoadFacts(ctx, fact.ContextNamespace(contextID))
	if err != nil {
		return reduce.ContextState{}, err
	}
	state, warnings := reduce.Context(contextID, facts, n.registry)
	n.warn(fact.ContextNamespace(contextID), warnings)
	return state, nil
}

func (n *Node) warn(namespace fact.Namespace, warnings []reduce.Warning) {
	for _, warning := range warnings {
		n.logger.Warn("reduction warning", "namespace", namespace.String(), "warning", warning.String())
	}
}

// Close stops the view engine. The runtime is owned by the caller.
func (n *Node) Close() {
	n.views.Close()
}
