// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/relational"
)

// AddToken makes held available to send guards that name an action in
// contextID.
func (n *Node) AddToken(contextID ident.ContextID, held choreo.HeldToken) {
	n.tokens.Add(contextID, held)
}

// Open starts an application session with peer as the initiator of
// protocol. The responder must have registered an acceptor for it.
func (n *Node) Open(protocol *choreo.Protocol, peer ident.DeviceID, contextID ident.ContextID, handler choreo.Handler) (*choreo.Session, error) {
	id := choreo.SessionID(protocol, n.Device().Bytes(), peer.Bytes(), n.effects.Random.Bytes(16))
	return n.sessions.Open(protocol, id, peer, contextID, handler)
}

// Send sends one message on session. Every send passes the session's
// guard: a capability or authorization denial aborts the session, an
// exhausted flow budget leaves it open for a later retry.
func (n *Node) Send(ctx context.Context, session *choreo.Session, label string, data []byte) error {
	return n.sessions.Send(ctx, session, label, data)
}

// Moderate flags target to peer within contextID. Sending needs the
// moderation permission in the context capability and a token granting
// it; the peer records the flag in its context journal.
func (n *Node) Moderate(ctx context.Context, peer ident.DeviceID, contextID ident.ContextID, target ident.AuthorityID, action relational.ModerationAction, reason string) error {
	stamp := n.effects.Time.Logical()
	data, err := encode("flag", relational.ModerationEvent{
		Target:    target,
		Action:    action,
		Moderator: n.Device(),
		Lamport:   stamp.Logical.Lamport,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	session, err := n.Open(choreo.Moderation, peer, contextID, nil)
	if err != nil {
		return err
	}
	if err := n.sessions.Send(ctx, session, "flag", data); err != nil {
		n.sessions.Abort(ctx, session, err)
		return err
	}
	n.logger.Info("moderation flag sent", "peer", peer.Short(), "context", contextID.Short(), "target", target.Short(), "action", string(action))
	return nil
}

func (n *Node) acceptFlag(_ context.Context, _ *choreo.Session) (choreo.Handler, error) {
	return choreo.HandlerFunc(n.flagged), nil
}

func (n *Node) flagged(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	event, err := decode[relational.ModerationEvent]("flag", message.Data)
	if err != nil {
		return err
	}
	if event.Moderator != session.Peer {
		return fault.Invalid("flag from %s claims moderator %s", session.Peer.Short(), event.Moderator.Short())
	}
	if _, err := n.record(ctx, session.Context, relational.ModerationType, event); err != nil {
		return err
	}
	n.logger.Info("moderation flag recorded", "moderator", session.Peer.Short(), "target", event.Target.Short(), "action", string(event.Action))
	return nil
}
