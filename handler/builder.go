// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"log/slog"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/journal"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/keystore"
	"github.com/bureau-foundation/quorum/lib/kvstore"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultFlowLimit    = 1 << 16
	DefaultLeakageLimit = 1 << 12
)

// TestEpoch is the instant fake clocks built by ForTesting start at.
var TestEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options tunes a runtime.
type Options struct {
	Logger       *slog.Logger
	FlowLimit    uint64
	LeakageLimit uint64
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.FlowLimit == 0 {
		o.FlowLimit = DefaultFlowLimit
	}
	if o.LeakageLimit == 0 {
		o.LeakageLimit = DefaultLeakageLimit
	}
	return o
}

// Runtime is a composed effect system together with the concrete
// handlers behind it that callers sometimes need directly.
type Runtime struct {
	*effect.Effects

	Registry  *effect.Registry
	Clock     clock.Clock
	Store     kvstore.Store
	Journals  *journal.Store
	Trees     *journal.TreeStore
	Authority *Authorization
}

// Close releases the storage backend.
func (r *Runtime) Close() error {
	return r.Store.Close()
}

// assemble registers one handler per effect type and composes them.
func assemble(mode effect.Mode, signer effect.Signer, clk clock.Clock, random *Random, store kvstore.Store, network effect.Network, options Options) (*Runtime, error) {
	if network == nil {
		return nil, fault.Invalid("a %s runtime needs a network handler", mode)
	}
	options = options.withDefaults()
	logger := options.Logger.With("device", signer.Device().String())

	storage := NewStorage(mode, store)
	timeHandler := NewTime(mode, clk, random)
	journals := journal.NewStore(journal.Config{
		Storage:          storage,
		DefaultFlowLimit: options.FlowLimit,
		Logger:           logger,
	})
	trees := journal.NewTreeStore(journals, timeHandler, signer, logger)
	authorization := NewAuthorization(mode, clk, random, capability.NewRevocationList())

	registry := effect.NewRegistry(mode)
	for effectType, handler := range map[effect.Type]effect.Handler{
		effect.TypeTime:          timeHandler,
		effect.TypeRandom:        random,
		effect.TypeCrypto:        NewCrypto(mode, random),
		effect.TypeStorage:       storage,
		effect.TypeNetwork:       network,
		effect.TypeJournal:       journals,
		effect.TypeTree:          trees,
		effect.TypeAuthorization: authorization,
		effect.TypeLeakage:       NewLeakage(storage, clk, options.LeakageLimit),
		effect.TypeConsole:       NewConsole(mode, logger),
		effect.TypeSystem:        NewSystem(mode, clk, storage, network, authorization),
	} {
		if err := registry.Register(effectType, handler); err != nil {
			return nil, err
		}
	}
	effects, err := registry.Compose(signer)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Effects:   effects,
		Registry:  registry,
		Clock:     clk,
		Store:     store,
		Journals:  journals,
		Trees:     trees,
		Authority: authorization,
	}, nil
}

// ForTesting builds a testing runtime for signer: a fake clock at
// TestEpoch, randomness seeded by the device id, memory storage, and
// an endpoint on hub (a private hub when nil).
func ForTesting(signer effect.Signer, hub *MemoryHub) (*Runtime, error) {
	if hub == nil {
		hub = NewMemoryHub()
	}
	device := signer.Device()
	random := NewSeededRandom(effect.ModeTesting, 0, device.Bytes())
	return assemble(effect.ModeTesting, signer, clock.Fake(TestEpoch), random,
		kvstore.NewMemory(), hub.Endpoint(effect.ModeTesting, device), Options{})
}

// ForSimulation builds a fully deterministic runtime: randomness
// derives from seed and the device id, time from clk, and delivery
// from network, which must itself be a simulation-mode handler.
func ForSimulation(seed uint64, signer effect.Signer, clk clock.Clock, network effect.Network, options Options) (*Runtime, error) {
	random := NewSeededRandom(effect.ModeSimulation, seed, signer.Device().Bytes())
	return assemble(effect.ModeSimulation, signer, clk, random, kvstore.NewMemory(), network, options)
}

// ForProduction builds the runtime of a real node: wall clock,
// crypto/rand, and the storage backend named by cfg in its data
// directory.
func ForProduction(cfg *config.Config, key *keystore.DeviceKey, network effect.Network, logger *slog.Logger) (*Runtime, error) {
	var store kvstore.Store
	switch cfg.Storage.Backend {
	case "memory":
		store = kvstore.NewMemory()
	case "sqlite", "":
		sqlite, err := kvstore.OpenSQLite(cfg.DatabasePath(), logger)
		if err != nil {
			return nil, err
		}
		store = sqlite
	default:
		return nil, fault.Invalid("unknown storage backend %q", cfg.Storage.Backend)
	}
	runtime, err := assemble(effect.ModeProduction, DeviceKeySigner(key), clock.Real(), NewSystemRandom(), store, network, Options{
		Logger:    logger,
		FlowLimit: cfg.Flow.DefaultLimit,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return runtime, nil
}
