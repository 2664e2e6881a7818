// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Export is a diagnostic dump of every journal a device holds.
type Export struct {
	ID         string            `cbor:"1,keyasint"`
	Device     ident.DeviceID    `cbor:"2,keyasint"`
	ExportedAt int64             `cbor:"3,keyasint"`
	Namespaces []NamespaceExport `cbor:"4,keyasint"`
	Authority  *AuthoritySummary `cbor:"5,keyasint,omitempty"`
	Contexts   []ContextSummary  `cbor:"6,keyasint,omitempty"`
}

// NamespaceExport holds one namespace's facts in canonical order.
type NamespaceExport struct {
	Namespace fact.Namespace `cbor:"1,keyasint"`
	Facts     []fact.Fact    `cbor:"2,keyasint"`
}

// AuthoritySummary is the reduced state of the node's authority.
type AuthoritySummary struct {
	Authority  ident.AuthorityID `cbor:"1,keyasint"`
	Epoch      uint64            `cbor:"2,keyasint"`
	Commitment digest.Hash       `cbor:"3,keyasint"`
	Threshold  int               `cbor:"4,keyasint"`
	Devices    []ident.DeviceID  `cbor:"5,keyasint"`
	Applied    int               `cbor:"6,keyasint"`
	Finalized  int               `cbor:"7,keyasint"`
	Pending    int               `cbor:"8,keyasint"`
	Losers     int               `cbor:"9,keyasint"`
}

// ContextSummary lists what a context reduced to.
type ContextSummary struct {
	Context      ident.ContextID `cbor:"1,keyasint"`
	BindingTypes []string        `cbor:"2,keyasint,omitempty"`
	Unknown      int             `cbor:"3,keyasint,omitempty"`
}

// ExportOptions selects the encoding of an export.
type ExportOptions struct {
	// Compression packs the CBOR document. Ignored for diagnostic
	// output.
	Compression codec.CompressionTag

	// Diagnostic renders CBOR diagnostic notation instead of a packed
	// binary document.
	Diagnostic bool
}

// Export dumps every namespace with its facts, plus reduced summaries.
func (n *Node) Export(ctx context.Context, options ExportOptions) ([]byte, error) {
	namespaces, err := n.effects.Journal.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	export := Export{
		ID:         n.effects.Random.UUID().String(),
		Device:     n.Device(),
		ExportedAt: n.effects.Time.Now().UnixMilli(),
	}
	for _, namespace := range namespaces {
		facts, err := n.effects.Journal.LoadFacts(ctx, namespace)
		if err != nil {
			return nil, err
		}
		export.Namespaces = append(export.Namespaces, NamespaceExport{Namespace: namespace, Facts: facts})
		if contextID, ok := namespace.Context(); ok {
			state, err := n.ContextState(ctx, contextID)
			if err != nil {
				return nil, err
			}
			unknown := 0
			for _, ids := range state.Unknown {
				unknown += ids.Len()
			}
			export.Contexts = append(export.Contexts, ContextSummary{
				Context:      contextID,
				BindingTypes: state.BindingTypes(),
				Unknown:      unknown,
			})
		}
	}
	if _, ok := n.Authority(); ok {
		state, err := n.AuthorityState(ctx)
		if err != nil {
			return nil, err
		}
		export.Authority = &AuthoritySummary{
			Authority:  state.Authority,
			Epoch:      state.Epoch,
			Commitment: state.Commitment,
			Threshold:  state.Threshold,
			Devices:    state.Devices,
			Applied:    len(state.Applied),
			Finalized:  len(state.Finalized),
			Pending:    len(state.Pending),
			Losers:     len(state.Losers),
		}
	}

	data, err := codec.Marshal(export)
	if err != nil {
		return nil, fault.Serialization("encoding export: %v", err)
	}
	if options.Diagnostic {
		text, err := codec.Diagnose(data)
		if err != nil {
			return nil, fault.Serialization("rendering export: %v", err)
		}
		return []byte(text), nil
	}
	packed, err := codec.Pack(data, options.Compression)
	if err != nil {
		return nil, fault.Serialization("packing export: %v", err)
	}
	return packed, nil
}

// ReadExport decodes a packed export.
func ReadExport(data []byte) (Export, error) {
	unpacked, err := codec.Unpack(data, 0)
	if err != nil {
		return Export{}, fault.Serialization("unpacking export: %v", err)
	}
	var export Export
	if err := codec.Unmarshal(unpacked, &export); err != nil {
		return Export{}, fault.Serialization("decoding export: %v", err)
	}
	return export, nil
}
