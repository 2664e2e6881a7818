// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/reduce"
	"github.com/bureau-foundation/quorum/relational"
)

type acceptMessage struct {
	Invitation ident.InvitationID `cbor:"1,keyasint"`
	Invitee    ident.AuthorityID  `cbor:"2,keyasint"`
}

// welcomeMessage carries the context journal to a new member.
type welcomeMessage struct {
	Facts []fact.Fact `cbor:"1,keyasint"`
}

type declineMessage struct {
	Reason string `cbor:"1,keyasint"`
}

func encode(label string, value any) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, fault.Serialization("encoding %s: %v", label, err)
	}
	return data, nil
}

func decode[T any](label string, data []byte) (T, error) {
	var value T
	if err := codec.Unmarshal(data, &value); err != nil {
		return value, fault.Serialization("decoding %s: %v", label, err)
	}
	return value, nil
}

// record journals a relational event in contextID.
func (n *Node) record(ctx context.Context, contextID ident.ContextID, bindingType string, payload any) (fact.Fact, error) {
	content, err := relational.Event(contextID, bindingType, payload)
	if err != nil {
		return fact.Fact{}, err
	}
	f, err := fact.New(n.effects.Time.Logical(), content)
	if err != nil {
		return fact.Fact{}, err
	}
	if _, err := n.effects.Journal.MergeFacts(ctx, fact.ContextNamespace(contextID), []fact.Fact{f}); err != nil {
		return fact.Fact{}, err
	}
	return f, nil
}

// CreateInvitation offers grant in contextID and records the offer in
// the context journal. A zero ttl never expires. Share the result's
// Code with the invitee.
func (n *Node) CreateInvitation(ctx context.Context, contextID ident.ContextID, grant capability.Cap, address string, ttl time.Duration) (relational.Invitation, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return relational.Invitation{}, err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = n.effects.Time.Now().Add(ttl)
	}
	invitation, err := relational.NewInvitation(n.effects.Random.Reader(), n.effects.Signer, authority, contextID, grant, address, expiresAt)
	if err != nil {
		return relational.Invitation{}, err
	}
	if _, err := n.record(ctx, contextID, relational.InvitationType, relational.InvitationEvent{
		Kind:       relational.InvitationCreated,
		ID:         invitation.ID,
		Invitation: &invitation,
	}); err != nil {
		return relational.Invitation{}, err
	}
	n.logger.Info("invitation created",
		"invitation", invitation.ID.Short(),
		"context", contextID.Short(),
		"capability", grant.String(),
	)
	return invitation, nil
}

// RevokeInvitation records that id may no longer be accepted.
// Revocation is permanent.
func (n *Node) RevokeInvitation(ctx context.Context, contextID ident.ContextID, id ident.InvitationID) error {
	if _, err := n.requireAuthority(); err != nil {
		return err
	}
	_, err := n.record(ctx, contextID, relational.InvitationType, relational.InvitationEvent{
		Kind: relational.InvitationRevoked,
		ID:   id,
	})
	return err
}

// ImportInvitation parses and verifies an invitation code and keeps
// the invitation for AcceptInvitation.
func (n *Node) ImportInvitation(code string) (relational.Invitation, error) {
	invitation, err := relational.ParseInvitationCode(code)
	if err != nil {
		return relational.Invitation{}, err
	}
	if err := invitation.Verify(n.effects.Time.Now()); err != nil {
		return relational.Invitation{}, err
	}
	n.mu.Lock()
	n.invitations[invitation.ID] = invitation
	n.mu.Unlock()
	return invitation, nil
}

// Acceptance is an invitation acceptance in flight.
type Acceptance struct {
	Invitation relational.Invitation

	n    *Node
	done chan struct{}
	once sync.Once
	err  error
}

// Done is closed when the inviter has answered or the session failed.
func (a *Acceptance) Done() <-chan struct{} { return a.done }

// Err returns the outcome once Done is closed: nil when welcomed.
func (a *Acceptance) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the acceptance completes or ctx is done.
func (a *Acceptance) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return fault.Wrap(fault.KindNetwork, ctx.Err())
	}
}

func (a *Acceptance) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *Acceptance) Receive(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	invitation := a.Invitation
	switch message.Label {
	case "welcome":
		welcome, err := decode[welcomeMessage]("welcome", message.Data)
		if err != nil {
			a.finish(err)
			return err
		}
		if _, err := a.n.effects.Journal.MergeFacts(ctx, fact.ContextNamespace(invitation.Context), welcome.Facts); err != nil {
			a.finish(err)
			return err
		}
		held, err := a.n.effects.Journal.RefineCaps(ctx, invitation.Context, invitation.Capability)
		if err != nil {
			a.finish(err)
			return err
		}
		a.n.logger.Info("invitation accepted",
			"invitation", invitation.ID.Short(),
			"context", invitation.Context.Short(),
			"capability", held.String(),
			"facts", len(welcome.Facts),
		)
		a.finish(nil)
	case "decline":
		decline, err := decode[declineMessage]("decline", message.Data)
		if err != nil {
			a.finish(err)
			return err
		}
		a.finish(fault.Authorization("invitation %s declined: %s", invitation.ID.Short(), decline.Reason))
	default:
		err := fault.Invalid("invitee cannot handle %q", message.Label)
		a.finish(err)
		return err
	}
	return nil
}

func (a *Acceptance) Aborted(_ context.Context, _ *choreo.Session, cause error) {
	a.finish(cause)
}

// AcceptInvitation answers an imported invitation. On a welcome the
// context journal is merged and the context capability is narrowed to
// what the invitation grants.
func (n *Node) AcceptInvitation(ctx context.Context, id ident.InvitationID) (*Acceptance, error) {
	authority, err := n.requireAuthority()
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	invitation, ok := n.invitations[id]
	n.mu.Unlock()
	if !ok {
		return nil, fault.Invalid("invitation %s has not been imported", id.Short())
	}
	if err := invitation.Verify(n.effects.Time.Now()); err != nil {
		return nil, err
	}
	if err := n.effects.Network.Connect(ctx, invitation.InviterDevice, invitation.Address); err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, err, "connecting to inviter %s", invitation.InviterDevice.Short())
	}
	data, err := encode("accept", acceptMessage{Invitation: id, Invitee: authority})
	if err != nil {
		return nil, err
	}

	a := &Acceptance{Invitation: invitation, n: n, done: make(chan struct{})}
	sessionID := choreo.SessionID(choreo.Invitation, id.Bytes(), n.Device().Bytes(), n.effects.Random.Bytes(16))
	session, err := n.sessions.Open(choreo.Invitation, sessionID, invitation.InviterDevice, invitation.Context, a)
	if err != nil {
		return nil, err
	}
	if err := n.sessions.Send(ctx, session, "accept", data); err != nil {
		n.sessions.Abort(ctx, session, err)
		return nil, err
	}
	return a, nil
}

func (n *Node) acceptInvitee(_ context.Context, _ *choreo.Session) (choreo.Handler, error) {
	return choreo.HandlerFunc(n.welcome), nil
}

// welcome answers an acceptance. The invitation must have been created
// by this node's authority, must not be revoked and must not have
// expired.
func (n *Node) welcome(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	if message.Label != "accept" {
		return fault.Invalid("inviter cannot handle %q", message.Label)
	}
	accept, err := decode[acceptMessage]("accept", message.Data)
	if err != nil {
		return err
	}
	reason, err := n.judgeAcceptance(ctx, session.Context, accept)
	if err != nil {
		return err
	}
	if reason != "" {
		n.logger.Info("invitation declined", "invitation", accept.Invitation.Short(), "peer", session.Peer.Short(), "reason", reason)
		data, err := encode("decline", declineMessage{Reason: reason})
		if err != nil {
			return err
		}
		return n.sessions.Send(ctx, session, "decline", data)
	}

	if _, err := n.record(ctx, session.Context, relational.InvitationType, relational.InvitationEvent{
		Kind:    relational.InvitationAccepted,
		ID:      accept.Invitation,
		Invitee: accept.Invitee,
	}); err != nil {
		return err
	}
	facts, err := n.effects.Journal.LoadFacts(ctx, fact.ContextNamespace(session.Context))
	if err != nil {
		return err
	}
	data, err := encode("welcome", welcomeMessage{Facts: facts})
	if err != nil {
		return err
	}
	n.logger.Info("invitation welcomed", "invitation", accept.Invitation.Short(), "invitee", accept.Invitee.Short())
	return n.sessions.Send(ctx, session, "welcome", data)
}

// judgeAcceptance returns why accept must be declined, or "".
func (n *Node) judgeAcceptance(ctx context.Context, contextID ident.ContextID, accept acceptMessage) (string, error) {
	authority, ok := n.Authority()
	if !ok {
		return "inviter has no authority", nil
	}
	if accept.Invitee.IsZero() {
		return "acceptance names no invitee", nil
	}
	state, err := n.ContextState(ctx, contextID)
	if err != nil {
		return "", err
	}
	invitations, _ := reduce.Binding[relational.Invitations](state, relational.InvitationType)
	invitation, known := invitations.Invitation(accept.Invitation)
	switch {
	case !known:
		return "unknown invitation", nil
	case invitation.Inviter != authority:
		return "invitation was issued by another authority", nil
	case invitations.Status(accept.Invitation) == relational.StatusRevoked:
		return "invitation revoked", nil
	}
	if err := invitation.Verify(n.effects.Time.Now()); err != nil {
		return err.Error(), nil
	}
	return "", nil
}
