// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package treetest builds signed op chains for tests.
package treetest

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/keystore"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/tree"
)

// Device is a test device with a deterministic key.
type Device struct {
	ID      ident.DeviceID
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewDevice derives a device from n. Equal n give equal devices.
func NewDevice(n int) Device {
	seed := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(seed, uint64(n))
	seed[ed25519.SeedSize-1] = 0x5a
	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)
	return Device{ID: keystore.DeviceIDFor(public), Public: public, Private: private}
}

// Leaf returns the device as a tree leaf.
func (d Device) Leaf() tree.LeafNode {
	return tree.LeafNode{Device: d.ID, PublicKey: d.Public, Role: tree.RoleDevice}
}

// Attest applies op to parent and signs the result with signers.
func Attest(parent tree.State, op tree.Op, witness uint32, signers ...Device) (tree.AttestedOp, tree.State, error) {
	next, err := parent.Apply(op)
	if err != nil {
		return tree.AttestedOp{}, tree.State{}, err
	}
	message := tree.SigningMessage(op.Hash(), next.Commitment, witness)
	shares := make([]threshold.Share, len(signers))
	for i, signer := range signers {
		shares[i] = threshold.Sign(signer.Private, signer.ID, message)
	}
	signature, err := threshold.Aggregate(shares)
	if err != nil {
		return tree.AttestedOp{}, tree.State{}, err
	}
	return tree.AttestedOp{Op: op, NewCommitment: next.Commitment, WitnessThreshold: witness, Signature: signature}, next, nil
}

// Chain accumulates a signed op log.
type Chain struct {
	t       testing.TB
	State   tree.State
	Ops     []tree.AttestedOp
	Signers []Device
}

// Init starts an authority with founder as its single 1-of-1 device at
// epoch 1, the way a node initializes one.
func Init(t testing.TB, founder Device) *Chain {
	t.Helper()
	chain := &Chain{t: t, State: tree.Genesis(), Signers: []Device{founder}}
	chain.Apply(tree.AddLeaf(chain.State, founder.Leaf()))
	chain.Apply(tree.ChangePolicy(chain.State, tree.Threshold(1)))
	chain.Apply(tree.RotateEpoch(chain.State, founder.Public))
	return chain
}

// Apply signs op with every current signer and appends it.
func (c *Chain) Apply(op tree.Op) tree.AttestedOp {
	c.t.Helper()
	attested, next, err := Attest(c.State, op, 0, c.Signers...)
	if err != nil {
		c.t.Fatalf("Attest(%s): %v", op.Kind, err)
	}
	c.State = next
	c.Ops = append(c.Ops, attested)
	return attested
}

// AddDevice adds device as a leaf and as a signer of later ops.
func (c *Chain) AddDevice(device Device) tree.AttestedOp {
	c.t.Helper()
	attested := c.Apply(tree.AddLeaf(c.State, device.Leaf()))
	c.Signers = append(c.Signers, device)
	return attested
}

// RemoveDevice removes device. The device still signs the removal,
// since it is a leaf of the parent state, and stops signing after it.
func (c *Chain) RemoveDevice(device Device, reason tree.RemoveReason) tree.AttestedOp {
	c.t.Helper()
	attested := c.Apply(tree.RemoveLeaf(c.State, device.ID, reason))
	for i, signer := range c.Signers {
		if signer.ID == device.ID {
			c.Signers = append(c.Signers[:i:i], c.Signers[i+1:]...)
			break
		}
	}
	return attested
}

// Rotate closes the epoch with groupKey.
func (c *Chain) Rotate(groupKey ed25519.PublicKey) tree.AttestedOp {
	c.t.Helper()
	return c.Apply(tree.RotateEpoch(c.State, groupKey))
}
