// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"context"
	"time"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/threshold"
)

// errExpired aborts a participant session whose coordinator went
// quiet.
var errExpired = fault.Coordination("ceremony participant state expired")

// participant is one ceremony/v1 session on the participant side. The
// session runtime delivers its messages one at a time.
type participant struct {
	m        *Manager
	expiry   *clock.Timer
	proposal Proposal
	chain    Chain
	member   bool
	nonce    threshold.Nonce
}

func (m *Manager) acceptParticipant(ctx context.Context, session *choreo.Session) (choreo.Handler, error) {
	p := &participant{m: m}
	p.expiry = m.effects.Time.Clock().AfterFunc(m.participantExpiry(), func() {
		m.sessions.Abort(context.Background(), session, errExpired)
	})
	return p, nil
}

// participantExpiry bounds how long a participant keeps a ceremony's
// state: long enough for every coordinator phase and all its retries.
func (m *Manager) participantExpiry() time.Duration {
	t := m.timeouts
	phases := t.Execute.Std() + t.NonceCommit.Std() + t.Sign.Std() + t.Converge.Std()
	return phases * time.Duration(t.Retries+1)
}

func (p *participant) Receive(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	switch message.Label {
	case "execute":
		proposal, err := decode[Proposal]("proposal", message.Data)
		if err != nil {
			return err
		}
		return p.execute(ctx, session, proposal)
	case "sign":
		return p.sign(ctx, session)
	case "commit":
		commit, err := decode[Commit]("commit", message.Data)
		if err != nil {
			return err
		}
		return p.commit(ctx, session, commit)
	case "abort":
		abort, err := decode[Abort]("abort", message.Data)
		if err != nil {
			return err
		}
		p.expiry.Stop()
		p.m.logger.Debug("ceremony aborted by coordinator",
			"ceremony_id", p.proposal.Ceremony.Short(),
			"coordinator", session.Peer.Short(),
			"reason", string(abort.Reason),
		)
		return nil
	default:
		return fault.Invalid("participant cannot handle %q", message.Label)
	}
}

func (p *participant) Aborted(ctx context.Context, session *choreo.Session, cause error) {
	p.expiry.Stop()
}

func (p *participant) reject(ctx context.Context, session *choreo.Session, refusal Refusal) error {
	p.m.logger.Info("rejecting ceremony",
		"ceremony_id", p.proposal.Ceremony.Short(),
		"coordinator", session.Peer.Short(),
		"reason", refusal.String(),
	)
	p.expiry.Stop()
	data, err := encode("refusal", refusal)
	if err != nil {
		return err
	}
	return p.m.sessions.Send(ctx, session, "reject", data)
}

func (p *participant) execute(ctx context.Context, session *choreo.Session, proposal Proposal) error {
	p.proposal = proposal
	if err := proposal.Validate(); err != nil {
		return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: err.Error()})
	}
	if proposal.Coordinator != session.Peer {
		return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: "proposal names another coordinator"})
	}
	self := p.m.effects.Device
	state, err := p.m.effects.Tree.State(ctx, proposal.Authority)
	if err != nil {
		return err
	}

	parent := state
	if _, ok := state.Leaf(self); ok {
		p.member = true
		if state.Prestate() != proposal.Prestate() {
			return p.reject(ctx, session, Refusal{
				Reason:     fact.ReasonStalePrestate,
				Detail:     "local state differs from the proposal's parent",
				Epoch:      state.Epoch,
				Commitment: state.Commitment,
			})
		}
	} else {
		code, ok := p.m.enrollment(proposal.Enrollment)
		if !ok || proposal.Parent == nil {
			return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: "not a member and no matching enrollment"})
		}
		if !addsLeaf(proposal.Ops, code.Leaf()) {
			return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: "chain does not add this device"})
		}
		parent = *proposal.Parent
	}

	chain, err := Replay(parent, proposal.Ops)
	if err != nil {
		return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: err.Error()})
	}
	for i, commitment := range chain.Commitments() {
		if commitment != proposal.Commitments[i] {
			return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: "commitments do not match the chain"})
		}
	}
	if _, ok := parent.Leaf(proposal.Coordinator); !ok && len(parent.Leaves) > 0 {
		return p.reject(ctx, session, Refusal{Reason: fact.ReasonInvalid, Detail: "coordinator is not a member"})
	}
	p.chain = chain

	nonce, commitment, err := p.m.effects.Crypto.ThresholdCommit(self)
	if err != nil {
		return err
	}
	p.nonce = nonce
	data, err := encode("accept", Accept{Commitment: commitment})
	if err != nil {
		return err
	}
	return p.m.sessions.Send(ctx, session, "accept", data)
}

func (p *participant) sign(ctx context.Context, session *choreo.Session) error {
	self := p.m.effects.Device
	reply := ShareReply{Nonce: p.nonce}
	if p.member {
		state, err := p.m.effects.Tree.State(ctx, p.proposal.Authority)
		if err != nil {
			return err
		}
		if state.Prestate() != p.proposal.Prestate() {
			reply.Refusal = &Refusal{
				Reason:     fact.ReasonStalePrestate,
				Detail:     "state moved on before signing",
				Epoch:      state.Epoch,
				Commitment: state.Commitment,
			}
		}
	}
	if reply.Refusal == nil {
		messages := p.proposal.Messages()
		reply.Shares = make([]threshold.Share, len(messages))
		for i, message := range messages {
			reply.Shares[i] = threshold.Share{Signer: self}
			if _, ok := p.chain.Signers(i)[self]; ok {
				reply.Shares[i].Signature = p.m.effects.Signer.Sign(message)
			}
		}
	}
	data, err := encode("share", reply)
	if err != nil {
		return err
	}
	return p.m.sessions.Send(ctx, session, "share", data)
}

func (p *participant) commit(ctx context.Context, session *choreo.Session, commit Commit) error {
	p.expiry.Stop()
	if len(commit.Ops) != len(p.proposal.Ops) {
		return fault.Invalid("commit carries %d ops for a chain of %d", len(commit.Ops), len(p.proposal.Ops))
	}
	for i, op := range commit.Ops {
		if op.Hash() != p.proposal.Ops[i].Hash() {
			return fault.Invalid("commit op %d is not the proposed op", i)
		}
	}
	authority := p.proposal.Authority
	for _, op := range commit.Ops {
		if _, err := p.m.effects.Tree.ApplyAttestedOp(ctx, authority, op); err != nil {
			return err
		}
	}
	if commit.Cert != nil {
		if commit.Cert.Content.Kind != fact.KindConvergenceCert || commit.Cert.Content.Cert.OpID != p.proposal.OpID() {
			return fault.Invalid("commit carries a certificate for another op")
		}
		if _, err := p.m.effects.Journal.MergeFacts(ctx, fact.AuthorityNamespace(authority), []fact.Fact{*commit.Cert}); err != nil {
			return err
		}
	}
	if !p.member {
		p.m.consumeEnrollment(p.proposal.Enrollment)
	}
	p.m.logger.Info("ceremony committed",
		"ceremony_id", p.proposal.Ceremony.Short(),
		"authority", authority.Short(),
		"coordinator", session.Peer.Short(),
		"enrolled", !p.member,
	)
	if p.m.committed != nil {
		p.m.committed(ctx, Committed{
			Authority:   authority,
			Coordinator: session.Peer,
			Ceremony:    p.proposal.Ceremony,
			Ops:         commit.Ops,
			Enrolled:    !p.member,
		})
	}
	return nil
}
