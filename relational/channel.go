// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// ChannelEpochType is the binding type of channel epoch events.
const ChannelEpochType = "channel_epoch/v1"

// ChannelEventKind selects the variant of a ChannelEvent.
type ChannelEventKind uint8

const (
	EventBootstrap   ChannelEventKind = 1
	EventProposeBump ChannelEventKind = 2
	EventCommitBump  ChannelEventKind = 3
	EventAdvance     ChannelEventKind = 4
	EventCheckpoint  ChannelEventKind = 5
)

// Bootstrap opens a channel.
type Bootstrap struct {
	SkipWindow    uint32         `cbor:"1,keyasint"`
	KeyCommitment digest.Hash    `cbor:"2,keyasint"`
	Creator       ident.DeviceID `cbor:"3,keyasint"`
}

// Bump moves a channel from ParentEpoch to NewEpoch.
type Bump struct {
	ID          digest.Hash `cbor:"1,keyasint"`
	ParentEpoch uint64      `cbor:"2,keyasint"`
	NewEpoch    uint64      `cbor:"3,keyasint"`
	Reason      string      `cbor:"4,keyasint,omitempty"`
}

// NewBump builds a bump from parentEpoch to the next epoch. The id is
// derived from its content so two devices proposing the same bump
// propose the same id.
func NewBump(channel ident.ChannelID, parentEpoch uint64, reason string) Bump {
	return Bump{
		ID:          digest.Sum(digest.DomainNonce, []byte("bump"), channel.Bytes(), digest.Uint64(parentEpoch), []byte(reason)),
		ParentEpoch: parentEpoch,
		NewEpoch:    parentEpoch + 1,
		Reason:      reason,
	}
}

// ChannelEvent is the payload of a channel epoch fact.
type ChannelEvent struct {
	Kind      ChannelEventKind `cbor:"1,keyasint"`
	Channel   ident.ChannelID  `cbor:"2,keyasint"`
	Bootstrap *Bootstrap       `cbor:"3,keyasint,omitempty"`
	Bump      *Bump            `cbor:"4,keyasint,omitempty"`

	// Epoch and Generation locate an Advance or Checkpoint.
	Epoch      uint64 `cbor:"5,keyasint,omitempty"`
	Generation uint64 `cbor:"6,keyasint,omitempty"`
}

func (e ChannelEvent) validate() error {
	switch e.Kind {
	case EventBootstrap:
		if e.Bootstrap == nil {
			return fault.Invalid("bootstrap event without bootstrap")
		}
	case EventProposeBump, EventCommitBump:
		if e.Bump == nil {
			return fault.Invalid("bump event without bump")
		}
		if e.Bump.NewEpoch != e.Bump.ParentEpoch+1 {
			return fault.Invalid("bump from epoch %d to %d skips epochs", e.Bump.ParentEpoch, e.Bump.NewEpoch)
		}
	case EventAdvance, EventCheckpoint:
	default:
		return fault.Invalid("unknown channel event kind %d", e.Kind)
	}
	return nil
}

// ChannelEpoch is the reduced state of one channel.
type ChannelEpoch struct {
	Channel           ident.ChannelID
	Epoch             uint64
	CurrentGen        uint64
	LastCheckpointGen uint64
	SkipWindow        uint32
	PendingBump       *Bump
	Bootstrap         *Bootstrap
}

// channelRecord is the join-friendly form behind ChannelEpoch.
type channelRecord struct {
	Bootstrap   *Bootstrap
	Proposed    map[digest.Hash]Bump
	Committed   map[digest.Hash]Bump
	Generations map[uint64]uint64
	Checkpoints map[uint64]uint64
}

func (r channelRecord) join(other channelRecord) channelRecord {
	result := channelRecord{
		Bootstrap:   r.Bootstrap,
		Proposed:    unionBumps(r.Proposed, other.Proposed),
		Committed:   unionBumps(r.Committed, other.Committed),
		Generations: maxByKey(r.Generations, other.Generations),
		Checkpoints: maxByKey(r.Checkpoints, other.Checkpoints),
	}
	// Concurrent bootstraps settle on the smallest key commitment.
	if other.Bootstrap != nil && (result.Bootstrap == nil || other.Bootstrap.KeyCommitment.Compare(result.Bootstrap.KeyCommitment) < 0) {
		result.Bootstrap = other.Bootstrap
	}
	return result
}

func unionBumps(a, b map[digest.Hash]Bump) map[digest.Hash]Bump {
	if len(a)+len(b) == 0 {
		return nil
	}
	result := make(map[digest.Hash]Bump, len(a)+len(b))
	maps.Copy(result, a)
	maps.Copy(result, b)
	return result
}

func maxByKey(a, b map[uint64]uint64) map[uint64]uint64 {
	if len(a)+len(b) == 0 {
		return nil
	}
	result := make(map[uint64]uint64, len(a)+len(b))
	maps.Copy(result, a)
	for key, value := range b {
		result[key] = max(result[key], value)
	}
	return result
}

func (r channelRecord) state(channel ident.ChannelID) ChannelEpoch {
	state := ChannelEpoch{Channel: channel, Bootstrap: r.Bootstrap}
	if r.Bootstrap != nil {
		state.SkipWindow = r.Bootstrap.SkipWindow
	}
	for _, bump := range r.Committed {
		state.Epoch = max(state.Epoch, bump.NewEpoch)
	}
	state.CurrentGen = r.Generations[state.Epoch]
	state.LastCheckpointGen = r.Checkpoints[state.Epoch]
	// At most one bump is pending: the smallest uncommitted proposal
	// whose parent is the current epoch.
	for id, bump := range r.Proposed {
		if bump.ParentEpoch != state.Epoch {
			continue
		}
		if _, done := r.Committed[id]; done {
			continue
		}
		if state.PendingBump == nil || id.Compare(state.PendingBump.ID) < 0 {
			pending := bump
			state.PendingBump = &pending
		}
	}
	return state
}

// Channels is the delta of the channel epoch binding type.
type Channels struct {
	Records map[ident.ChannelID]channelRecord
}

// Join merges channel records key-wise.
func (c Channels) Join(other Channels) Channels {
	result := Channels{Records: make(map[ident.ChannelID]channelRecord, max(len(c.Records), len(other.Records)))}
	maps.Copy(result.Records, c.Records)
	for channel, record := range other.Records {
		result.Records[channel] = result.Records[channel].join(record)
	}
	return result
}

// State returns the reduced state of channel.
func (c Channels) State(channel ident.ChannelID) (ChannelEpoch, bool) {
	record, ok := c.Records[channel]
	if !ok {
		return ChannelEpoch{}, false
	}
	return record.state(channel), true
}

// List returns every channel in id order.
func (c Channels) List() []ChannelEpoch {
	ids := slices.SortedFunc(maps.Keys(c.Records), ident.Compare[ident.Channel])
	states := make([]ChannelEpoch, len(ids))
	for i, id := range ids {
		states[i] = c.Records[id].state(id)
	}
	return states
}

func reduceChannelEvent(_ ident.ContextID, data []byte) (Channels, error) {
	event, err := fact.DecodePayload[ChannelEvent](data)
	if err != nil {
		return Channels{}, err
	}
	if err := event.validate(); err != nil {
		return Channels{}, err
	}
	var record channelRecord
	switch event.Kind {
	case EventBootstrap:
		record.Bootstrap = event.Bootstrap
	case EventProposeBump:
		record.Proposed = map[digest.Hash]Bump{event.Bump.ID: *event.Bump}
	case EventCommitBump:
		// A commit implies the proposal, so a replica that sees only
		// the commit still retires it.
		record.Proposed = map[digest.Hash]Bump{event.Bump.ID: *event.Bump}
		record.Committed = map[digest.Hash]Bump{event.Bump.ID: *event.Bump}
	case EventAdvance:
		record.Generations = map[uint64]uint64{event.Epoch: event.Generation}
	case EventCheckpoint:
		record.Generations = map[uint64]uint64{event.Epoch: event.Generation}
		record.Checkpoints = map[uint64]uint64{event.Epoch: event.Generation}
	}
	return Channels{Records: map[ident.ChannelID]channelRecord{event.Channel: record}}, nil
}

// ChannelEpochDescriptor registers the channel epoch binding type.
func ChannelEpochDescriptor() fact.Descriptor {
	return fact.Describe(ChannelEpochType, func() Channels { return Channels{} }, reduceChannelEvent)
}
