// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Type names an effect interface.
type Type string

const (
	TypeTime          Type = "time"
	TypeRandom        Type = "random"
	TypeCrypto        Type = "crypto"
	TypeStorage       Type = "storage"
	TypeNetwork       Type = "network"
	TypeJournal       Type = "journal"
	TypeTree          Type = "tree"
	TypeAuthorization Type = "authorization"
	TypeLeakage       Type = "leakage"
	TypeConsole       Type = "console"
	TypeSystem        Type = "system"
)

// Operations is the canonical operation list of each effect type.
var Operations = map[Type][]string{
	TypeTime:          {"now", "physical", "logical", "observe", "order", "sleep"},
	TypeRandom:        {"bytes", "u64", "range", "uuid"},
	TypeCrypto:        {"hash", "generate_signing_key", "sign", "verify", "threshold_commit", "threshold_sign", "threshold_aggregate", "threshold_verify", "derive_key", "aead_seal", "aead_open"},
	TypeStorage:       {"put", "get", "remove", "list", "scan", "batch", "stats"},
	TypeNetwork:       {"send", "broadcast", "receive", "connect", "disconnect", "peers"},
	TypeJournal:       {"merge_facts", "load_facts", "load_facts_by_id", "fact_ids", "namespaces", "refine_caps", "caps", "flow_budget", "update_flow_budget", "charge_flow_budget"},
	TypeTree:          {"apply_attested_op", "ops", "state", "propose_snapshot", "approve_snapshot", "finalize_snapshot", "apply_snapshot"},
	TypeAuthorization: {"verify_capability", "delegate_capability", "revoke_capability"},
	TypeLeakage:       {"record_leakage", "leakage_budget", "leakage_history"},
	TypeConsole:       {"log"},
	TypeSystem:        {"health", "stats"},
}

// implements reports whether handler satisfies the interface of t.
func implements(t Type, handler Handler) bool {
	var ok bool
	switch t {
	case TypeTime:
		_, ok = handler.(Time)
	case TypeRandom:
		_, ok = handler.(Random)
	case TypeCrypto:
		_, ok = handler.(Crypto)
	case TypeStorage:
		_, ok = handler.(Storage)
	case TypeNetwork:
		_, ok = handler.(Network)
	case TypeJournal:
		_, ok = handler.(Journal)
	case TypeTree:
		_, ok = handler.(Tree)
	case TypeAuthorization:
		_, ok = handler.(Authorization)
	case TypeLeakage:
		_, ok = handler.(Leakage)
	case TypeConsole:
		_, ok = handler.(Console)
	case TypeSystem:
		_, ok = handler.(System)
	}
	return ok
}

// Registry maps effect types to handlers for one mode. It is filled
// once while a node is assembled.
type Registry struct {
	mode Mode

	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry returns an empty registry for mode.
func NewRegistry(mode Mode) *Registry {
	return &Registry{mode: mode, handlers: make(map[Type]Handler)}
}

// Mode returns the registry's mode.
func (r *Registry) Mode() Mode { return r.mode }

// Register installs handler for t, replacing any earlier one.
func (r *Registry) Register(t Type, handler Handler) error {
	if _, known := Operations[t]; !known {
		return fault.Invalid("unknown effect type %q", t)
	}
	if handler == nil {
		return fault.Invalid("nil handler for %s", t)
	}
	if handler.Mode() != r.mode {
		return fault.Invalid("%s handler runs in %s mode, registry is %s", t, handler.Mode(), r.mode)
	}
	if !implements(t, handler) {
		return fault.Invalid("handler %T does not implement %s", handler, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = handler
	return nil
}

// Supports reports whether a handler is registered for operation.
func (r *Registry) Supports(t Type, operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok && slices.Contains(Operations[t], operation)
}

// Lookup returns the handler serving operation of t.
func (r *Registry) Lookup(t Type, operation string) (Handler, error) {
	if !slices.Contains(Operations[t], operation) {
		return nil, fault.Invalid("%s has no operation %q", t, operation)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[t]
	if !ok {
		return nil, fault.Invalid("no %s handler registered", t)
	}
	return handler, nil
}

// Types returns the registered effect types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Effects is the composite a node runs on: one handler per effect
// type, all in one mode, acting for one device.
type Effects struct {
	Mode   Mode
	Device ident.DeviceID
	Signer Signer

	Time          Time
	Random        Random
	Crypto        Crypto
	Storage       Storage
	Network       Network
	Journal       Journal
	Tree          Tree
	Authorization Authorization
	Leakage       Leakage
	Console       Console
	System        System
}

// Compose builds the Effects acting for signer's device. Every effect
// type must be registered.
func (r *Registry) Compose(signer Signer) (*Effects, error) {
	if signer == nil {
		return nil, fault.Invalid("cannot compose effects without a signer")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for t := range Operations {
		if _, ok := r.handlers[t]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fault.Invalid("cannot compose effects, missing handlers: %v", missing)
	}
	return &Effects{
		Mode:          r.mode,
		Device:        signer.Device(),
		Signer:        signer,
		Time:          r.handlers[TypeTime].(Time),
		Random:        r.handlers[TypeRandom].(Random),
		Crypto:        r.handlers[TypeCrypto].(Crypto),
		Storage:       r.handlers[TypeStorage].(Storage),
		Network:       r.handlers[TypeNetwork].(Network),
		Journal:       r.handlers[TypeJournal].(Journal),
		Tree:          r.handlers[TypeTree].(Tree),
		Authorization: r.handlers[TypeAuthorization].(Authorization),
		Leakage:       r.handlers[TypeLeakage].(Leakage),
		Console:       r.handlers[TypeConsole].(Console),
		System:        r.handlers[TypeSystem].(System),
	}, nil
}
