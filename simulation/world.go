// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simulation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/quorum/handler"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/node"
)

// DefaultHorizon bounds how far Settle moves the clock.
const DefaultHorizon = time.Hour

// defaultMaxSteps bounds the deliveries and timer firings of one Run.
const defaultMaxSteps = 1_000_000

// Config configures a World.
type Config struct {
	Seed uint64

	// Start is the initial clock reading. Zero takes handler.TestEpoch.
	Start time.Time

	MinDelay time.Duration
	MaxDelay time.Duration

	// Settings tunes every node. Nil takes config.Default().
	Settings *config.Config

	// MaxSteps bounds one Run. Zero takes a million.
	MaxSteps int

	Logger *slog.Logger
}

// Node is one simulated device.
type Node struct {
	*node.Node
	Name     string
	Runtime  *handler.Runtime
	Endpoint *Endpoint
}

// World is a set of nodes sharing a fake clock and a simulated
// network. A World is driven from one goroutine.
type World struct {
	seed     uint64
	settings *config.Config
	maxSteps int
	logger   *slog.Logger
	clock    *clock.FakeClock
	network  *Network

	nodes  []*Node
	byName map[string]*Node
}

// NewWorld returns an empty world.
func NewWorld(cfg Config) *World {
	if cfg.Start.IsZero() {
		cfg.Start = handler.TestEpoch
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	fake := clock.Fake(cfg.Start)
	return &World{
		seed:     cfg.Seed,
		settings: cfg.Settings,
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger,
		clock:    fake,
		network: NewNetwork(NetworkConfig{
			Clock:    fake,
			Seed:     cfg.Seed,
			MinDelay: cfg.MinDelay,
			MaxDelay: cfg.MaxDelay,
			Logger:   cfg.Logger,
		}),
		byName: make(map[string]*Node),
	}
}

// Clock returns the world clock.
func (w *World) Clock() *clock.FakeClock { return w.clock }

// Network returns the simulated network.
func (w *World) Network() *Network { return w.network }

// Nodes returns the nodes in the order they were added.
func (w *World) Nodes() []*Node { return w.nodes }

// Node returns the node added as name, or nil.
func (w *World) Node(name string) *Node { return w.byName[name] }

// DeviceKey derives the key of the device named name in a world seeded
// with seed.
func DeviceKey(seed uint64, name string) ed25519.PrivateKey {
	hash := digest.Sum(digest.DomainIdentifier, []byte("simulated device"), digest.Uint64(seed), []byte(name))
	return ed25519.NewKeyFromSeed(hash[:])
}

// AddNode builds a node named name with a key derived from the world
// seed and attaches it to the network.
func (w *World) AddNode(ctx context.Context, name string) (*Node, error) {
	if _, ok := w.byName[name]; ok {
		return nil, fault.Invalid("node %q already exists", name)
	}
	signer := handler.NewKeySigner(DeviceKey(w.seed, name))
	endpoint := w.network.Attach(signer.Device())
	logger := w.logger.With("node", name)
	runtime, err := handler.ForSimulation(w.seed, signer, w.clock, endpoint, handler.Options{
		Logger:    logger,
		FlowLimit: w.settings.Flow.DefaultLimit,
	})
	if err != nil {
		return nil, err
	}
	n, err := node.New(ctx, node.Config{
		Runtime:  runtime,
		Settings: w.settings,
		Logger:   logger,
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}
	simulated := &Node{Node: n, Name: name, Runtime: runtime, Endpoint: endpoint}
	w.nodes = append(w.nodes, simulated)
	w.byName[name] = simulated
	w.logger.Info("node added", "node", name, "device", signer.Device().Short())
	return simulated, nil
}

// Partition splits the world into groups of nodes.
func (w *World) Partition(groups ...[]*Node) {
	devices := make([][]ident.DeviceID, len(groups))
	for i, group := range groups {
		for _, n := range group {
			devices[i] = append(devices[i], n.Device())
		}
	}
	w.network.Partition(devices...)
}

// Heal joins every partition.
func (w *World) Heal() { w.network.Heal() }

// Deliver hands every queued frame to its node, visiting nodes in the
// order they were added, and returns how many it handled. Frames a node
// rejects are logged.
func (w *World) Deliver(ctx context.Context) int {
	handled := 0
	for _, n := range w.nodes {
		for {
			inbound, ok := n.Endpoint.TryReceive()
			if !ok {
				break
			}
			handled++
			if err := n.HandleFrame(ctx, inbound.From, inbound.Frame); err != nil {
				w.logger.Debug("frame rejected", "node", n.Name, "from", inbound.From.Short(), "error", err)
			}
		}
	}
	return handled
}

// Run delivers frames and fires timers until no frame is queued and no
// timer is pending, or the next timer lies beyond horizon from now. It
// reports whether the world went quiet.
func (w *World) Run(ctx context.Context, horizon time.Duration) bool {
	limit := w.clock.Now().Add(horizon)
	for range w.maxSteps {
		if ctx.Err() != nil {
			return false
		}
		if w.Deliver(ctx) > 0 {
			continue
		}
		deadline, ok := w.clock.NextDeadline()
		if !ok {
			return true
		}
		if deadline.After(limit) {
			return false
		}
		w.clock.Step()
	}
	w.logger.Warn("simulation step budget exhausted", "steps", w.maxSteps)
	return false
}

// Settle runs the world to quiescence within DefaultHorizon.
func (w *World) Settle(ctx context.Context) bool {
	return w.Run(ctx, DefaultHorizon)
}

// Gossip runs rounds of anti-entropy: each round every node ticks its
// scheduler, in the order the nodes were added, and the world settles.
func (w *World) Gossip(ctx context.Context, rounds int) {
	for range rounds {
		for _, n := range w.nodes {
			n.Scheduler().Tick(ctx)
		}
		w.Settle(ctx)
	}
}

// SyncAll runs one sync round from every node to every other node and
// settles.
func (w *World) SyncAll(ctx context.Context) error {
	var errs []error
	for _, from := range w.nodes {
		for _, to := range w.nodes {
			if from == to {
				continue
			}
			if err := from.Sync(ctx, to.Device(), nil); err != nil {
				errs = append(errs, fault.Wrapf(fault.KindNetwork, err, "%s syncing with %s", from.Name, to.Name))
			}
		}
	}
	w.Settle(ctx)
	return errors.Join(errs...)
}

// Fingerprint hashes every journal of every node. Worlds built from
// one seed and driven alike have equal fingerprints.
func (w *World) Fingerprint(ctx context.Context) (digest.Hash, error) {
	var parts [][]byte
	for _, n := range w.nodes {
		journal := n.Effects().Journal
		namespaces, err := journal.Namespaces(ctx)
		if err != nil {
			return digest.Hash{}, err
		}
		parts = append(parts, []byte(n.Name))
		for _, namespace := range namespaces {
			facts, err := journal.LoadFacts(ctx, namespace)
			if err != nil {
				return digest.Hash{}, err
			}
			encoded, err := codec.Marshal(facts)
			if err != nil {
				return digest.Hash{}, fault.Serialization("encoding %s: %v", namespace, err)
			}
			parts = append(parts, []byte(namespace.String()), encoded)
		}
	}
	return digest.Sum(digest.DomainContent, parts...), nil
}

// Close stops every node and releases its storage.
func (w *World) Close() error {
	var errs []error
	for _, n := range w.nodes {
		n.Close()
		errs = append(errs, n.Runtime.Close())
	}
	return errors.Join(errs...)
}
