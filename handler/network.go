// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// inboxSize bounds the frames queued for one memory endpoint. A sender
// to a full inbox blocks until the receiver drains it or the sender's
// context ends.
const inboxSize = 1024

// MemoryHub connects in-process endpoints. Delivery is immediate and
// in order per sender.
type MemoryHub struct {
	mu        sync.RWMutex
	endpoints map[ident.DeviceID]*MemoryEndpoint
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[ident.DeviceID]*MemoryEndpoint)}
}

// Endpoint attaches device to the hub and returns its network handler.
// Attaching the same device twice returns the existing endpoint.
func (h *MemoryHub) Endpoint(mode effect.Mode, device ident.DeviceID) *MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if endpoint, ok := h.endpoints[device]; ok {
		return endpoint
	}
	endpoint := &MemoryEndpoint{
		mode:   mode,
		hub:    h,
		device: device,
		inbox:  make(chan effect.Inbound, inboxSize),
		peers:  make(map[ident.DeviceID]bool),
	}
	h.endpoints[device] = endpoint
	return endpoint
}

// Detach removes device. Later sends to it fail.
func (h *MemoryHub) Detach(device ident.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, device)
}

func (h *MemoryHub) lookup(device ident.DeviceID) (*MemoryEndpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	endpoint, ok := h.endpoints[device]
	return endpoint, ok
}

// MemoryEndpoint implements effect.Network on a MemoryHub.
type MemoryEndpoint struct {
	mode   effect.Mode
	hub    *MemoryHub
	device ident.DeviceID
	inbox  chan effect.Inbound

	mu    sync.Mutex
	peers map[ident.DeviceID]bool
}

var _ effect.Network = (*MemoryEndpoint)(nil)

func (e *MemoryEndpoint) Mode() effect.Mode { return e.mode }

// Device returns the endpoint's own device.
func (e *MemoryEndpoint) Device() ident.DeviceID { return e.device }

// Send queues a copy of frame in peer's inbox.
func (e *MemoryEndpoint) Send(ctx context.Context, peer ident.DeviceID, frame []byte) error {
	target, ok := e.hub.lookup(peer)
	if !ok {
		return fault.Network("peer %s is unreachable", peer.Short())
	}
	select {
	case target.inbox <- effect.Inbound{From: e.device, Frame: slices.Clone(frame)}:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.KindNetwork, ctx.Err())
	}
}

func (e *MemoryEndpoint) Broadcast(ctx context.Context, peers []ident.DeviceID, frame []byte) error {
	var errs []error
	for _, peer := range peers {
		if err := e.Send(ctx, peer, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *MemoryEndpoint) Receive(ctx context.Context) (effect.Inbound, error) {
	select {
	case inbound := <-e.inbox:
		return inbound, nil
	case <-ctx.Done():
		return effect.Inbound{}, ctx.Err()
	}
}

// TryReceive returns the next queued frame without blocking. Tests and
// the simulator use it to drain endpoints to quiescence.
func (e *MemoryEndpoint) TryReceive() (effect.Inbound, bool) {
	select {
	case inbound := <-e.inbox:
		return inbound, true
	default:
		return effect.Inbound{}, false
	}
}

// Connect records peer as connected. The address is ignored; the peer
// must be attached to the hub.
func (e *MemoryEndpoint) Connect(_ context.Context, peer ident.DeviceID, _ string) error {
	if _, ok := e.hub.lookup(peer); !ok {
		return fault.Network("peer %s is unreachable", peer.Short())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[peer] = true
	return nil
}

func (e *MemoryEndpoint) Disconnect(_ context.Context, peer ident.DeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, peer)
	return nil
}

// Peers returns the connected peers, sorted.
func (e *MemoryEndpoint) Peers() []ident.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.SortedFunc(maps.Keys(e.peers), ident.Compare[ident.Device])
}
