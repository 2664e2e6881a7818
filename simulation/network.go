// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package simulation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Stats counts frames by fate.
type Stats struct {
	// Sent counts frames accepted for delivery.
	Sent int

	// Delivered counts frames queued at their destination.
	Delivered int

	// Dropped counts frames that arrived across a partition.
	Dropped int

	// Refused counts sends rejected at the sender because the
	// destination was partitioned away or not attached.
	Refused int
}

// NetworkConfig configures a Network.
type NetworkConfig struct {
	Clock *clock.FakeClock

	// Seed drives the delay source.
	Seed uint64

	// MinDelay and MaxDelay bound the latency of one frame. Zero
	// values take 1ms and 20ms.
	MinDelay time.Duration
	MaxDelay time.Duration

	Logger *slog.Logger
}

// Network is a simulated network. Frames on one link arrive in the
// order they were sent; frames on different links interleave as their
// drawn delays dictate.
type Network struct {
	clock    *clock.FakeClock
	minDelay time.Duration
	maxDelay time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	random    *rand.Rand
	endpoints map[ident.DeviceID]*Endpoint
	groups    map[ident.DeviceID]int
	arrival   map[link]time.Time
	stats     Stats
}

type link struct {
	from, to ident.DeviceID
}

// NewNetwork returns an empty network on cfg.Clock.
func NewNetwork(cfg NetworkConfig) *Network {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Millisecond
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = max(20*time.Millisecond, cfg.MinDelay)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	key := digest.Sum(digest.DomainNonce, []byte("simulated network"), digest.Uint64(cfg.Seed))
	return &Network{
		clock:     cfg.Clock,
		minDelay:  cfg.MinDelay,
		maxDelay:  cfg.MaxDelay,
		logger:    cfg.Logger,
		random:    rand.New(rand.NewChaCha8(key)),
		endpoints: make(map[ident.DeviceID]*Endpoint),
		arrival:   make(map[link]time.Time),
	}
}

// Attach returns the endpoint of device, creating it on first use.
func (n *Network) Attach(device ident.DeviceID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if endpoint, ok := n.endpoints[device]; ok {
		return endpoint
	}
	endpoint := &Endpoint{network: n, device: device, notify: make(chan struct{}, 1)}
	n.endpoints[device] = endpoint
	return endpoint
}

// Partition splits the network: devices in the same group reach each
// other and nobody else. Devices left out of every group are isolated.
func (n *Network) Partition(groups ...[]ident.DeviceID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = make(map[ident.DeviceID]int)
	for i, group := range groups {
		for _, device := range group {
			n.groups[device] = i + 1
		}
	}
	n.logger.Info("network partitioned", "groups", len(groups))
}

// Heal removes every partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = nil
	n.logger.Info("network healed")
}

// Stats returns the frame counters so far.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// reachableLocked reports whether from and to are on the same side of
// the current partition.
func (n *Network) reachableLocked(from, to ident.DeviceID) bool {
	if n.groups == nil {
		return true
	}
	group := n.groups[from]
	return group != 0 && group == n.groups[to]
}

// delayLocked draws one frame latency.
func (n *Network) delayLocked() time.Duration {
	spread := n.maxDelay - n.minDelay
	if spread <= 0 {
		return n.minDelay
	}
	return n.minDelay + time.Duration(n.random.Int64N(int64(spread)+1))
}

func (n *Network) send(from, to ident.DeviceID, frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.endpoints[to]
	if !ok {
		n.stats.Refused++
		return fault.Network("peer %s is not attached", to.Short())
	}
	if !n.reachableLocked(from, to) {
		n.stats.Refused++
		return fault.Network("peer %s is partitioned away", to.Short())
	}
	n.stats.Sent++

	// Arrivals on one link never overtake each other; the fake clock
	// fires equal deadlines in registration order.
	arrival := n.clock.Now().Add(n.delayLocked())
	key := link{from: from, to: to}
	if last, ok := n.arrival[key]; ok && arrival.Before(last) {
		arrival = last
	}
	n.arrival[key] = arrival

	inbound := effect.Inbound{From: from, Frame: slices.Clone(frame)}
	n.clock.AfterFunc(arrival.Sub(n.clock.Now()), func() {
		n.deliver(target, inbound)
	})
	return nil
}

func (n *Network) deliver(target *Endpoint, inbound effect.Inbound) {
	n.mu.Lock()
	if !n.reachableLocked(inbound.From, target.device) {
		n.stats.Dropped++
		n.mu.Unlock()
		n.logger.Debug("frame dropped at partition", "from", inbound.From.Short(), "to", target.device.Short())
		return
	}
	n.stats.Delivered++
	n.mu.Unlock()
	target.enqueue(inbound)
}

// devices returns every attached device other than self, sorted.
func (n *Network) devices(self ident.DeviceID) []ident.DeviceID {
	n.mu.Lock()
	defer n.mu.Unlock()
	devices := make([]ident.DeviceID, 0, len(n.endpoints))
	for device := range n.endpoints {
		if device != self {
			devices = append(devices, device)
		}
	}
	slices.SortFunc(devices, ident.Compare[ident.Device])
	return devices
}

// Endpoint is one device's view of a simulated network. It implements
// effect.Network in simulation mode.
type Endpoint struct {
	network *Network
	device  ident.DeviceID
	notify  chan struct{}

	mu    sync.Mutex
	inbox []effect.Inbound
}

var _ effect.Network = (*Endpoint)(nil)

func (e *Endpoint) Mode() effect.Mode { return effect.ModeSimulation }

// Device returns the endpoint's own device.
func (e *Endpoint) Device() ident.DeviceID { return e.device }

// Send schedules frame for delivery to peer after a simulated delay.
func (e *Endpoint) Send(_ context.Context, peer ident.DeviceID, frame []byte) error {
	return e.network.send(e.device, peer, frame)
}

func (e *Endpoint) Broadcast(ctx context.Context, peers []ident.DeviceID, frame []byte) error {
	var errs []error
	for _, peer := range peers {
		if err := e.Send(ctx, peer, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Endpoint) enqueue(inbound effect.Inbound) {
	e.mu.Lock()
	e.inbox = append(e.inbox, inbound)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// TryReceive pops the oldest delivered frame without blocking.
func (e *Endpoint) TryReceive() (effect.Inbound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inbox) == 0 {
		return effect.Inbound{}, false
	}
	inbound := e.inbox[0]
	e.inbox[0] = effect.Inbound{}
	e.inbox = e.inbox[1:]
	return inbound, true
}

// Queued returns the number of delivered frames not yet received.
func (e *Endpoint) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

// Receive blocks until a frame is delivered. Worlds drain endpoints
// with TryReceive instead; Receive serves a node running Serve against
// a clock advanced from elsewhere.
func (e *Endpoint) Receive(ctx context.Context) (effect.Inbound, error) {
	for {
		if inbound, ok := e.TryReceive(); ok {
			return inbound, nil
		}
		select {
		case <-e.notify:
		case <-ctx.Done():
			return effect.Inbound{}, ctx.Err()
		}
	}
}

// Connect succeeds for any attached peer. The simulated network is
// fully meshed; addresses are ignored.
func (e *Endpoint) Connect(_ context.Context, peer ident.DeviceID, _ string) error {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	if _, ok := e.network.endpoints[peer]; !ok {
		return fault.Network("peer %s is not attached", peer.Short())
	}
	return nil
}

func (e *Endpoint) Disconnect(context.Context, ident.DeviceID) error { return nil }

// Peers returns every other attached device, partitioned or not.
func (e *Endpoint) Peers() []ident.DeviceID {
	return e.network.devices(e.device)
}
