// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"

	"github.com/bureau-foundation/quorum/ceremony"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/tree"
)

// InitAuthority creates a single-device authority rooted at this
// device and binds the node to it. The genesis ceremony needs nobody
// else and is final when InitAuthority returns.
func (n *Node) InitAuthority(ctx context.Context) (ident.AuthorityID, error) {
	if current, ok := n.Authority(); ok {
		return ident.AuthorityID{}, fault.Invalid("node already belongs to %s", current)
	}
	authority := ident.DeviceAuthority(n.Device())
	ops, err := ceremony.InitOps(tree.LeafNode{
		Device:    n.Device(),
		PublicKey: n.effects.Signer.Public(),
		Role:      tree.RoleDevice,
	})
	if err != nil {
		return ident.AuthorityID{}, err
	}
	c, err := n.ceremonies.Start(ctx, ceremony.Request{Authority: authority, Ops: ops})
	if err != nil {
		return ident.AuthorityID{}, err
	}
	if _, err := c.Wait(ctx); err != nil {
		return ident.AuthorityID{}, err
	}
	if err := n.adopt(ctx, authority); err != nil {
		return ident.AuthorityID{}, err
	}
	return authority, nil
}

// CreateEnrollmentCode mints the code this device shows a member of
// the authority it wants to join. address is where the member can
// reach this device; it may be empty when they already share a
// network.
func (n *Node) CreateEnrollmentCode(address string) (ceremony.EnrollmentCode, error) {
	code, err := ceremony.NewEnrollmentCode(n.effects.Signer.Public(), address, n.effects.Random.Bytes(ceremony.EnrollmentNonceSize))
	if err != nil {
		return ceremony.EnrollmentCode{}, err
	}
	if err := n.ceremonies.ExpectEnrollment(code); err != nil {
		return ceremony.EnrollmentCode{}, err
	}
	return code, nil
}

// Enroll coordinates adding the device behind code to the node's
// authority under policy. The returned ceremony completes as the new
// device and the existing members answer.
func (n *Node) Enroll(ctx context.Context, code ceremony.EnrollmentCode, policy tree.Policy) (*ceremony.Ceremony, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return nil, err
	}
	if err := code.Validate(); err != nil {
		return nil, err
	}
	state, err := n.effects.Tree.State(ctx, authority)
	if err != nil {
		return nil, err
	}
	ops, err := ceremony.EnrollOps(state, code.Leaf(), policy)
	if err != nil {
		return nil, err
	}
	if err := n.effects.Network.Connect(ctx, code.Device, code.Address); err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, err, "connecting to enrolling device %s", code.Device.Short())
	}
	return n.ceremonies.Start(ctx, ceremony.Request{Authority: authority, Ops: ops, Enrollment: &code})
}

// RemoveDevice coordinates removing device from the authority and
// setting policy for the devices that remain.
func (n *Node) RemoveDevice(ctx context.Context, device ident.DeviceID, reason tree.RemoveReason, policy tree.Policy) (*ceremony.Ceremony, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return nil, err
	}
	state, err := n.effects.Tree.State(ctx, authority)
	if err != nil {
		return nil, err
	}
	ops, err := ceremony.RemoveOps(state, device, reason, policy)
	if err != nil {
		return nil, err
	}
	return n.ceremonies.Start(ctx, ceremony.Request{Authority: authority, Ops: ops})
}

// RotateEpoch coordinates a group key rotation with unchanged
// membership.
func (n *Node) RotateEpoch(ctx context.Context) (*ceremony.Ceremony, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return nil, err
	}
	state, err := n.effects.Tree.State(ctx, authority)
	if err != nil {
		return nil, err
	}
	ops, err := ceremony.RotateOps(state)
	if err != nil {
		return nil, err
	}
	return n.ceremonies.Start(ctx, ceremony.Request{Authority: authority, Ops: ops})
}

// Propose coordinates an arbitrary chain of ops starting at the local
// state. witness raises the number of signers each op needs.
func (n *Node) Propose(ctx context.Context, ops []tree.Op, witness uint32) (*ceremony.Ceremony, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fault.Invalid("empty chain")
	}
	return n.ceremonies.Start(ctx, ceremony.Request{Authority: authority, Ops: ops, Witness: witness})
}
