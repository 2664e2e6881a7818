// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/lib/version"
)

// retainedSessions bounds how many finished sessions are remembered
// for answering retransmitted frames.
const retainedSessions = 4096

// RetryPolicy bounds retransmission of frames whose send failed with a
// retriable error.
type RetryPolicy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

// DefaultRetry is used when Config leaves Retry zero.
var DefaultRetry = RetryPolicy{Attempts: 5, Min: 100 * time.Millisecond, Max: 5 * time.Second}

// Delay returns the wait before retry number attempt (from 1): Min
// doubled per attempt, capped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.Min
	for range attempt - 1 {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	return min(delay, p.Max)
}

// Acceptor is called when a peer opens a session of a protocol this
// node responds to. It returns the handler for the new session, or an
// error to refuse it.
type Acceptor func(ctx context.Context, session *Session) (Handler, error)

// Config configures a Runtime.
type Config struct {
	Effects *effect.Effects
	Tokens  *Tokens
	Retry   RetryPolicy
	Logger  *slog.Logger
}

// Runtime owns the sessions of one node.
type Runtime struct {
	effects *effect.Effects
	guards  *Guards
	retry   RetryPolicy
	logger  *slog.Logger

	mu            sync.Mutex
	acceptors     map[string]acceptor
	active        map[ident.SessionID]*Session
	retained      map[ident.SessionID]*Session
	retainedOrder []ident.SessionID
}

type acceptor struct {
	protocol *Protocol
	accept   Acceptor
}

// NewRuntime returns a runtime with no sessions.
func NewRuntime(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retry := cfg.Retry
	if retry.Attempts == 0 {
		retry = DefaultRetry
	}
	return &Runtime{
		effects:   cfg.Effects,
		guards:    NewGuards(cfg.Effects.Journal, cfg.Effects.Authorization, cfg.Tokens),
		retry:     retry,
		logger:    logger,
		acceptors: make(map[string]acceptor),
		active:    make(map[ident.SessionID]*Session),
		retained:  make(map[ident.SessionID]*Session),
	}
}

// Guards returns the runtime's guard evaluator.
func (r *Runtime) Guards() *Guards { return r.guards }

// Accept registers accept as the responder for protocol. A later
// registration for the same protocol replaces it.
func (r *Runtime) Accept(protocol *Protocol, accept Acceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptors[protocol.Name] = acceptor{protocol: protocol, accept: accept}
}

// SessionID derives the id of a session from the protocol name and
// whatever identifies the conversation, so both ends and every retry
// agree on it.
func SessionID(protocol *Protocol, parts ...[]byte) ident.SessionID {
	return ident.Derive[ident.Session](protocol.Name, parts...)
}

// Open starts a session as the protocol's initiator. Nothing is sent
// until the first Send.
func (r *Runtime) Open(protocol *Protocol, id ident.SessionID, peer ident.DeviceID, contextID ident.ContextID, handler Handler) (*Session, error) {
	session, err := newSession(id, protocol, protocol.Initiator, peer, contextID)
	if err != nil {
		return nil, err
	}
	session.handler = handler

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[id]; exists {
		return nil, fault.Invalid("session %s is already open", id)
	}
	if _, exists := r.retained[id]; exists {
		return nil, fault.Invalid("session %s has already run", id)
	}
	r.active[id] = session
	return session, nil
}

// Session returns the session with id, active or recently finished.
func (r *Runtime) Session(id ident.SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.active[id]; ok {
		return session, true
	}
	session, ok := r.retained[id]
	return session, ok
}

// Active returns the number of sessions still running.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Send sends label with data at the cost the protocol's guard names.
func (r *Runtime) Send(ctx context.Context, session *Session, label string, data []byte) error {
	return r.SendCost(ctx, session, label, data, 0)
}

// SendCost sends label with data, charging cost (the guard's cost when
// zero). The label must be a valid next send for the session.
//
// A denial by the guard is returned as an Authorization fault wrapping
// a *Denial. A retriable denial leaves the session active so the
// caller may try again later; any other denial aborts it.
func (r *Runtime) SendCost(ctx context.Context, session *Session, label string, data []byte, cost uint64) error {
	session.send.Lock()
	defer session.send.Unlock()

	if session.Cancelled() {
		r.abort(ctx, session, ErrCancelled)
		return ErrCancelled
	}
	session.mu.Lock()
	_, err := session.advance(label, true)
	session.mu.Unlock()
	if err != nil {
		return err
	}

	guard := session.Protocol.Guard(label)
	if cost == 0 {
		cost = guard.Cost
	}
	if _, err = r.guards.Check(ctx, session.Context, session.Peer, label, guard, cost); err != nil {
		r.logger.Info("send denied",
			"session", session.ID.Short(),
			"protocol", session.Protocol.Name,
			"label", label,
			"peer", session.Peer.Short(),
			"error", err,
		)
		if !fault.IsRetriable(err) {
			r.abort(ctx, session, err)
		}
		return err
	}

	tag, _ := session.Protocol.Tag(session.Role)
	session.mu.Lock()
	next, err := session.advance(label, true)
	if err != nil {
		session.mu.Unlock()
		return err
	}
	id := session.ID
	sequence := session.sent + 1
	frame, err := EncodeEnvelope(Envelope{
		Version:   version.Protocol,
		Session:   &id,
		Role:      tag,
		Sequence:  sequence,
		Timestamp: r.effects.Time.Logical(),
	}, Body{
		Protocol: session.Protocol.Name,
		Label:    label,
		Context:  session.Context,
		Data:     data,
	})
	if err != nil {
		session.mu.Unlock()
		return err
	}
	session.sent = sequence
	session.current = next
	session.lastFrame = frame
	session.replyTo = session.delivered
	finished := session.finished()
	session.mu.Unlock()

	err = r.transmit(ctx, session, frame, 0)
	if finished {
		r.finish(session)
	}
	return err
}

// Retransmit sends the session's last frame again. Coordinators use
// it when a phase times out; the peer answers a repeated frame with
// its own last reply.
func (r *Runtime) Retransmit(ctx context.Context, session *Session) error {
	session.mu.Lock()
	frame := session.lastFrame
	session.mu.Unlock()
	if frame == nil {
		return nil
	}
	return r.transmit(ctx, session, frame, 0)
}

// Abort ends session with cause.
func (r *Runtime) Abort(ctx context.Context, session *Session, cause error) {
	r.abort(ctx, session, cause)
}

// transmit sends frame, scheduling retries with backoff on retriable
// failures. It returns an error only when the failure is final, in
// which case the session has been aborted.
func (r *Runtime) transmit(ctx context.Context, session *Session, frame []byte, attempt int) error {
	err := r.effects.Network.Send(ctx, session.Peer, frame)
	if err == nil {
		return nil
	}
	attempt++
	if !fault.IsRetriable(err) || attempt >= r.retry.Attempts {
		err = fault.Wrapf(fault.KindNetwork, err, "sending to %s", session.Peer.Short())
		r.abort(ctx, session, err)
		return err
	}
	delay := r.retry.Delay(attempt)
	r.logger.Debug("send failed, retrying",
		"session", session.ID.Short(),
		"peer", session.Peer.Short(),
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
	background := context.WithoutCancel(ctx)
	r.effects.Time.Clock().AfterFunc(delay, func() {
		if session.Status() == StatusAborted {
			return
		}
		r.transmit(background, session, frame, attempt)
	})
	return nil
}

// HandleFrame routes an inbound frame to its session, creating a
// responder session through the protocol's acceptor when the session
// is new.
func (r *Runtime) HandleFrame(ctx context.Context, from ident.DeviceID, frame []byte) error {
	envelope, body, err := DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	if envelope.Session == nil {
		return fault.Invalid("frame from %s carries no session", from.Short())
	}
	if envelope.Timestamp.Kind == timestamp.KindLogical {
		r.effects.Time.Observe(*envelope.Timestamp.Logical)
	}

	session, err := r.lookup(ctx, *envelope.Session, from, envelope, body)
	if err != nil {
		return err
	}
	if session.Peer != from {
		return fault.Invalid("session %s is with %s, frame came from %s",
			session.ID.Short(), session.Peer.Short(), from.Short())
	}
	if body.Protocol != session.Protocol.Name {
		return fault.Invalid("session %s runs %s, frame is %s", session.ID.Short(), session.Protocol.Name, body.Protocol)
	}
	if tag, _ := session.Protocol.Tag(session.Protocol.Peer(session.Role)); envelope.Role != tag {
		return fault.Invalid("frame for session %s claims role tag %d", session.ID.Short(), envelope.Role)
	}
	return r.deliver(ctx, session, Received{
		Label:    body.Label,
		Data:     body.Data,
		Sequence: envelope.Sequence,
		Envelope: envelope,
	})
}

func (r *Runtime) lookup(ctx context.Context, id ident.SessionID, from ident.DeviceID, envelope Envelope, body Body) (*Session, error) {
	r.mu.Lock()
	if session, ok := r.active[id]; ok {
		r.mu.Unlock()
		return session, nil
	}
	if session, ok := r.retained[id]; ok {
		r.mu.Unlock()
		return session, nil
	}
	entry, ok := r.acceptors[body.Protocol]
	r.mu.Unlock()

	if !ok {
		return nil, fault.Invalid("no responder for protocol %q", body.Protocol)
	}
	if envelope.Role != 0 {
		return nil, fault.Invalid("unknown session %s opened by a non-initiator", id.Short())
	}
	session, err := newSession(id, entry.protocol, entry.protocol.Responder, from, body.Context)
	if err != nil {
		return nil, err
	}
	handler, err := entry.accept(ctx, session)
	if err != nil {
		return nil, err
	}
	session.handler = handler

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.active[id]; ok {
		return existing, nil
	}
	r.active[id] = session
	return session, nil
}

// deliver orders message into the session and runs every message that
// became deliverable.
func (r *Runtime) deliver(ctx context.Context, session *Session, message Received) error {
	session.turn.Lock()
	defer session.turn.Unlock()

	session.mu.Lock()
	if message.Sequence == 0 {
		session.mu.Unlock()
		return fault.Invalid("frame for session %s has sequence zero", session.ID.Short())
	}
	if message.Sequence <= session.delivered || session.buffered[message.Sequence] {
		// A repeat of the latest message means the peer missed our
		// answer to it.
		resend := message.Sequence == session.delivered &&
			session.replyTo == session.delivered &&
			session.lastFrame != nil
		frame := session.lastFrame
		session.mu.Unlock()
		if resend {
			return r.transmit(ctx, session, frame, 0)
		}
		return nil
	}
	if session.status != StatusActive {
		session.mu.Unlock()
		return nil
	}
	session.buffered[message.Sequence] = true
	ready := session.buffer.Offer(message.Sequence, message.Sequence-1, message)
	session.mu.Unlock()

	for _, next := range ready {
		if err := r.step(ctx, session, next); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) step(ctx context.Context, session *Session, message Received) error {
	session.mu.Lock()
	delete(session.buffered, message.Sequence)
	session.delivered = message.Sequence
	if session.status != StatusActive {
		session.mu.Unlock()
		return nil
	}
	if session.Cancelled() {
		session.mu.Unlock()
		r.abort(ctx, session, ErrCancelled)
		return ErrCancelled
	}
	next, err := session.advance(message.Label, false)
	if err != nil {
		session.mu.Unlock()
		r.abort(ctx, session, err)
		return err
	}
	session.current = next
	finished := session.finished()
	session.mu.Unlock()

	if session.handler != nil {
		if err := session.handler.Receive(ctx, session, message); err != nil {
			r.abort(ctx, session, err)
			return err
		}
	}
	if finished {
		r.finish(session)
	}
	return nil
}

func (r *Runtime) finish(session *Session) {
	if session.close(StatusDone, nil) {
		r.retire(session)
	}
}

func (r *Runtime) abort(ctx context.Context, session *Session, cause error) {
	if !session.close(StatusAborted, cause) {
		return
	}
	r.retire(session)
	r.logger.Debug("session aborted",
		"session", session.ID.Short(),
		"protocol", session.Protocol.Name,
		"peer", session.Peer.Short(),
		"error", cause,
	)
	if aborter, ok := session.handler.(Aborter); ok {
		aborter.Aborted(ctx, session, cause)
	}
}

// retire moves a closed session to the retained set, evicting the
// oldest retained session beyond the bound.
func (r *Runtime) retire(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, session.ID)
	if _, ok := r.retained[session.ID]; ok {
		return
	}
	r.retained[session.ID] = session
	r.retainedOrder = append(r.retainedOrder, session.ID)
	for len(r.retainedOrder) > retainedSessions {
		delete(r.retained, r.retainedOrder[0])
		r.retainedOrder = r.retainedOrder[1:]
	}
}
