// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"context"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/reduce"
	"github.com/bureau-foundation/quorum/tree"
)

func (m *Manager) acceptWitness(ctx context.Context, session *choreo.Session) (choreo.Handler, error) {
	return choreo.HandlerFunc(m.acknowledge), nil
}

// acknowledge answers an ack_request. A member acks at most one op per
// prestate; see judge.
func (m *Manager) acknowledge(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	if message.Label != "ack_request" {
		return fault.Invalid("window member cannot handle %q", message.Label)
	}
	request, err := decode[AckRequest]("ack request", message.Data)
	if err != nil {
		return err
	}
	if len(request.Ops) == 0 {
		return fault.Invalid("ack request from %s carries no ops", session.Peer.Short())
	}
	reply, ack, err := m.judge(ctx, request)
	if err != nil {
		return err
	}
	opID := request.Ops[0].Hash()
	if !ack {
		m.logger.Info("refusing acknowledgement",
			"authority", request.Authority.Short(),
			"op_hash", opID.Short(),
			"coordinator", session.Peer.Short(),
			"reason", reply.Reason,
		)
		data, err := encode("nack", reply)
		if err != nil {
			return err
		}
		return m.sessions.Send(ctx, session, "nack", data)
	}
	for _, op := range request.Ops {
		if _, err := m.effects.Tree.ApplyAttestedOp(ctx, request.Authority, op); err != nil {
			return err
		}
	}
	m.logger.Debug("acknowledged op", "authority", request.Authority.Short(), "op_hash", opID.Short(), "coordinator", session.Peer.Short())
	return m.sessions.Send(ctx, session, "ack", nil)
}

// judge decides an ack request. In order: an op certified at the
// prestate wins outright; an invalid chain is refused; then the ack
// lock decides. A lock held by this device's own unfinished ceremony
// moves to a request whose op beats it, and that ceremony reverts.
func (m *Manager) judge(ctx context.Context, request AckRequest) (AckReply, bool, error) {
	first := request.Ops[0].Op
	opID := first.Hash()
	prestate := first.Prestate()

	facts, err := m.effects.Journal.LoadFacts(ctx, fact.AuthorityNamespace(request.Authority))
	if err != nil {
		return AckReply{}, false, err
	}
	for _, f := range facts {
		cert := f.Content.Cert
		if f.Content.Kind != fact.KindConvergenceCert || cert.PrestateHash != prestate {
			continue
		}
		if cert.OpID == opID {
			return AckReply{}, true, nil
		}
		winner := cert.OpID
		return AckReply{Winner: &winner, Reason: "another op is certified at this prestate"}, false, nil
	}

	reduced, _ := reduce.Authority(request.Authority, facts, reduce.Options{})
	if reduced.Tree.Prestate() == prestate {
		state := reduced.Tree
		for _, op := range request.Ops {
			next, err := state.Verify(op, nil)
			if err != nil {
				return AckReply{Reason: "chain does not verify: " + err.Error()}, false, nil
			}
			state = next
		}
	}

	for range 3 {
		held, locked := m.lockAt(request.Authority, prestate)
		switch {
		case locked && held.op == opID:
			return AckReply{}, true, nil
		case locked && held.owner != nil:
			if !tree.WinsOver(first, held.owner.chain.Ops[0]) {
				winner := held.op
				return AckReply{Winner: &winner, Reason: "own ceremony holds the prestate"}, false, nil
			}
			if held.owner.yield(ctx, opID) {
				return AckReply{}, true, nil
			}
			// The owner finished or released meanwhile; look again.
		case locked:
			winner := held.op
			return AckReply{Winner: &winner, Reason: "already acknowledged another op"}, false, nil
		default:
			if winner, ok := appliedAt(reduce.Ops(facts), reduced, prestate); ok && winner != opID {
				return AckReply{Winner: &winner, Reason: "another op is applied at this prestate"}, false, nil
			}
			if m.lock(request.Authority, prestate, opID, nil) == nil {
				return AckReply{}, true, nil
			}
		}
	}
	return AckReply{}, false, fault.Coordination("ack lock at %s kept changing", prestate.Short())
}

// appliedAt finds the op on the reduced trajectory whose parent is
// prestate.
func appliedAt(ops []tree.AttestedOp, reduced reduce.AuthorityState, prestate digest.Hash) (digest.Hash, bool) {
	for _, op := range ops {
		if op.Op.Prestate() == prestate && reduced.IsApplied(op.Hash()) {
			return op.Hash(), true
		}
	}
	return digest.Hash{}, false
}
