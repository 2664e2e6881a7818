// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/tree"
)

type phase uint8

const (
	phaseExecute phase = iota
	phaseSign
	phaseConverge
	phaseDone
)

type remoteStatus uint8

const (
	remoteInvited remoteStatus = iota
	remoteAccepted
	remoteSigning
	remoteShared
	remoteRefused
	remoteGone
)

// remote is the coordinator's view of one participant.
type remote struct {
	device     ident.DeviceID
	session    *choreo.Session
	status     remoteStatus
	commitment threshold.Commitment
	refusal    *Refusal
	shares     []threshold.Share
}

// errSuperseded aborts sessions a finished ceremony no longer needs.
var errSuperseded = fault.Coordination("ceremony finished without this session")

// Ceremony is a ceremony coordinated by this device.
type Ceremony struct {
	ID        ident.CeremonyID
	Authority ident.AuthorityID

	m          *Manager
	chain      Chain
	proposal   Proposal
	enrollment *EnrollmentCode
	opID       digest.Hash
	prestate   digest.Hash
	quorum     int
	contextID  ident.ContextID

	mu        sync.Mutex
	phase     phase
	attempt   int
	timer     *clock.Timer
	remotes   map[ident.DeviceID]*remote
	attested  []tree.AttestedOp
	window    []ident.DeviceID
	acks      map[ident.DeviceID]bool
	witnesses map[ident.DeviceID]*choreo.Session
	commit    []byte
	result    Result
	done      chan struct{}
}

func newCeremony(m *Manager, id ident.CeremonyID, req Request, chain Chain) *Ceremony {
	opID := req.Ops[0].Hash()
	c := &Ceremony{
		ID:         id,
		Authority:  req.Authority,
		m:          m,
		chain:      chain,
		enrollment: req.Enrollment,
		opID:       opID,
		prestate:   chain.Parent().Prestate(),
		quorum:     chain.Quorum(req.Witness),
		contextID:  ident.AuthorityContext(req.Authority),
		remotes:    make(map[ident.DeviceID]*remote),
		witnesses:  make(map[ident.DeviceID]*choreo.Session),
		acks:       make(map[ident.DeviceID]bool),
		done:       make(chan struct{}),
	}
	c.proposal = Proposal{
		Ceremony:    id,
		Authority:   req.Authority,
		Coordinator: m.effects.Device,
		Ops:         req.Ops,
		Commitments: chain.Commitments(),
		Witness:     req.Witness,
	}
	c.result = Result{Ceremony: id, Authority: req.Authority, OpID: opID, Mode: ModePending}
	return c
}

// OpID is the hash of the chain's first op.
func (c *Ceremony) OpID() digest.Hash { return c.opID }

// Done is closed when the ceremony reaches a terminal mode.
func (c *Ceremony) Done() <-chan struct{} { return c.done }

// Mode returns the current agreement mode.
func (c *Ceremony) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Mode
}

// Result returns the outcome so far.
func (c *Ceremony) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := c.result
	result.Ops = slices.Clone(result.Ops)
	return result
}

// Wait blocks until the ceremony is terminal or ctx is done. A reverted
// ceremony returns its result together with Result.Err.
func (c *Ceremony) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		result := c.Result()
		return result, result.Err()
	case <-ctx.Done():
		return c.Result(), fault.Wrap(fault.KindCoordination, ctx.Err())
	}
}

// Cancel reverts the ceremony with reason cancelled unless it already
// finished.
func (c *Ceremony) Cancel(ctx context.Context) {
	var out outbox
	c.mu.Lock()
	c.revertLocked(ctx, fact.ReasonCancelled, nil, nil, &out)
	c.mu.Unlock()
	out.run(ctx)
}

func (c *Ceremony) start(ctx context.Context) {
	var out outbox
	c.mu.Lock()
	self := c.m.effects.Device
	for _, device := range c.chain.Members() {
		if device != self {
			c.remotes[device] = &remote{device: device}
		}
	}
	for _, device := range sortedDevices(c.remotes) {
		r := c.remotes[device]
		id := choreo.SessionID(choreo.Ceremony, c.ID.Bytes(), device.Bytes())
		session, err := c.m.sessions.Open(choreo.Ceremony, id, device, c.contextID, &coordinatorSession{c: c, remote: r})
		if err != nil {
			c.m.logger.Warn("cannot open ceremony session", "ceremony_id", c.ID.Short(), "peer", device.Short(), "error", err)
			r.status = remoteGone
			continue
		}
		r.session = session
		data, err := encode("proposal", c.proposalFor(device))
		if err != nil {
			r.status = remoteGone
			continue
		}
		out.add(c.sender(session, "execute", data))
	}
	c.arm()
	c.advanceLocked(ctx, &out)
	c.mu.Unlock()
	out.run(ctx)
}

// proposalFor tailors the proposal to a recipient: a device being
// enrolled also gets the nonce from its code and the parent state.
func (c *Ceremony) proposalFor(device ident.DeviceID) Proposal {
	proposal := c.proposal
	if c.enrollment != nil && c.enrollment.Device == device {
		parent := c.chain.Parent()
		proposal.Enrollment = c.enrollment.Nonce
		proposal.Parent = &parent
	}
	return proposal
}

func (c *Ceremony) sender(session *choreo.Session, label string, data []byte) func(context.Context) {
	return func(ctx context.Context) {
		if err := c.m.sessions.Send(ctx, session, label, data); err != nil {
			c.m.logger.Warn("ceremony send failed",
				"ceremony_id", c.ID.Short(),
				"peer", session.Peer.Short(),
				"label", label,
				"error", err,
			)
		}
	}
}

// finisher ends session from the coordinator's side: abort when the
// protocol allows it there, otherwise a local abort.
func (c *Ceremony) finisher(session *choreo.Session, abort []byte) func(context.Context) {
	return func(ctx context.Context) {
		if abort != nil && session.Status() == choreo.StatusActive && session.CanSend("abort") {
			if err := c.m.sessions.Send(ctx, session, "abort", abort); err == nil {
				return
			}
		}
		c.m.sessions.Abort(ctx, session, errSuperseded)
	}
}

// arm starts the timer of the current phase.
func (c *Ceremony) arm() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.attempt = 0
	c.timer = c.m.effects.Time.Clock().AfterFunc(c.timeout(), c.onTimeout)
}

// timeout is the coordinator's wait in the current phase. Accepts
// cover both the execute and nonce commitment steps, since the
// commitment arrives in the accept.
func (c *Ceremony) timeout() time.Duration {
	switch c.phase {
	case phaseExecute:
		return c.m.timeouts.Execute.Std() + c.m.timeouts.NonceCommit.Std()
	case phaseSign:
		return c.m.timeouts.Sign.Std()
	default:
		return c.m.timeouts.Converge.Std()
	}
}

// enough reports whether, for every op, the local device and the
// remotes selected by counted can supply the signers the op needs. An
// enrollment also waits for the enrolling device itself, which has to
// receive the chain whether or not its share is needed.
func (c *Ceremony) enough(counted func(*remote) bool) bool {
	self := c.m.effects.Device
	if c.enrollment != nil {
		if r, ok := c.remotes[c.enrollment.Device]; !ok || !counted(r) {
			return false
		}
	}
	for i := range c.chain.Ops {
		keys := c.chain.Signers(i)
		have := 0
		if _, ok := keys[self]; ok {
			have++
		}
		for device, r := range c.remotes {
			if _, ok := keys[device]; ok && counted(r) {
				have++
			}
		}
		if have < c.chain.Required(i, c.proposal.Witness) {
			return false
		}
	}
	return true
}

func available(r *remote) bool { return r.status != remoteRefused && r.status != remoteGone }

// advanceLocked moves the ceremony forward as far as the collected
// responses allow.
func (c *Ceremony) advanceLocked(ctx context.Context, out *outbox) {
	switch c.phase {
	case phaseExecute:
		if c.enough(func(r *remote) bool { return r.status == remoteAccepted }) {
			c.enterSignLocked(ctx, out)
			return
		}
		if !c.enough(available) {
			c.revertLocked(ctx, c.refusalReason(), nil, nil, out)
		}
	case phaseSign:
		if c.enough(func(r *remote) bool { return r.status == remoteShared }) {
			c.aggregateLocked(ctx, out)
			return
		}
		if !c.enough(available) {
			c.revertLocked(ctx, c.refusalReason(), nil, nil, out)
		}
	case phaseConverge:
		c.checkAcksLocked(ctx, out)
	}
}

// refusalReason picks the reversion reason for a ceremony that ran
// out of participants.
func (c *Ceremony) refusalReason() fact.ReversionReason {
	for _, r := range c.remotes {
		if r.refusal != nil && r.refusal.Reason == fact.ReasonStalePrestate {
			return fact.ReasonStalePrestate
		}
	}
	return fact.ReasonInsufficientParticipants
}

func (c *Ceremony) enterSignLocked(ctx context.Context, out *outbox) {
	c.phase = phaseSign
	c.arm()
	for _, device := range sortedDevices(c.remotes) {
		if r := c.remotes[device]; r.status == remoteAccepted {
			c.requestSignLocked(r, out)
		}
	}
	c.advanceLocked(ctx, out)
}

func (c *Ceremony) requestSignLocked(r *remote, out *outbox) {
	data, err := encode("sign request", SignRequest{Ceremony: c.ID})
	if err != nil {
		return
	}
	r.status = remoteSigning
	out.add(c.sender(r.session, "sign", data))
}

func (c *Ceremony) aggregateLocked(ctx context.Context, out *outbox) {
	self := c.m.effects.Device
	messages := c.proposal.Messages()
	attested := make([]tree.AttestedOp, len(c.chain.Ops))
	signers := []ident.DeviceID{self}
	for i, op := range c.chain.Ops {
		keys := c.chain.Signers(i)
		var shares []threshold.Share
		if _, ok := keys[self]; ok {
			shares = append(shares, threshold.Share{Signer: self, Signature: c.m.effects.Signer.Sign(messages[i])})
		}
		for _, device := range sortedDevices(c.remotes) {
			r := c.remotes[device]
			if _, ok := keys[device]; !ok || r.status != remoteShared || r.shares[i].Signature == nil {
				continue
			}
			shares = append(shares, r.shares[i])
			if !slices.Contains(signers, device) {
				signers = append(signers, device)
			}
		}
		signature, err := c.m.effects.Crypto.ThresholdAggregate(shares)
		if err != nil {
			c.revertLocked(ctx, fact.ReasonInvalid, nil, nil, out)
			return
		}
		attested[i] = tree.AttestedOp{
			Op:               op,
			NewCommitment:    c.proposal.Commitments[i],
			WitnessThreshold: c.proposal.Witness,
			Signature:        signature,
		}
		if _, err := c.chain.States[i].Verify(attested[i], nil); err != nil {
			c.m.logger.Error("aggregate does not verify", "ceremony_id", c.ID.Short(), "op_hash", op.Hash().Short(), "error", err)
			c.revertLocked(ctx, fact.ReasonInvalid, nil, nil, out)
			return
		}
	}
	for _, op := range attested {
		if _, err := c.m.effects.Tree.ApplyAttestedOp(ctx, c.Authority, op); err != nil {
			c.m.logger.Error("recording attested op", "ceremony_id", c.ID.Short(), "op_hash", op.Hash().Short(), "error", err)
			c.revertLocked(ctx, fact.ReasonInvalid, nil, nil, out)
			return
		}
	}
	c.attested = attested
	c.result.Ops = attested
	c.result.Mode = ModeProvisional
	c.m.logger.Info("ceremony provisional", "ceremony_id", c.ID.Short(), "op_hash", c.opID.Short(), "signers", len(signers))
	c.enterConvergeLocked(ctx, signers, out)
}

func (c *Ceremony) enterConvergeLocked(ctx context.Context, signers []ident.DeviceID, out *outbox) {
	self := c.m.effects.Device
	c.phase = phaseConverge
	c.arm()
	c.window = Window(c.chain.Parent(), signers)
	if slices.Contains(c.window, self) && c.m.holds(c.Authority, c.prestate, c) {
		c.acks[self] = true
	}
	data, err := encode("ack request", AckRequest{Ceremony: c.ID, Authority: c.Authority, Ops: c.attested})
	if err != nil {
		c.revertLocked(ctx, fact.ReasonInvalid, nil, nil, out)
		return
	}
	for _, device := range c.window {
		if device == self {
			continue
		}
		id := choreo.SessionID(choreo.Converge, c.ID.Bytes(), device.Bytes())
		session, err := c.m.sessions.Open(choreo.Converge, id, device, c.contextID, &witnessSession{c: c, device: device})
		if err != nil {
			c.m.logger.Warn("cannot open converge session", "ceremony_id", c.ID.Short(), "peer", device.Short(), "error", err)
			continue
		}
		c.witnesses[device] = session
		out.add(c.sender(session, "ack_request", data))
	}
	c.checkAcksLocked(ctx, out)
}

func (c *Ceremony) checkAcksLocked(ctx context.Context, out *outbox) {
	for _, device := range c.window {
		if !c.acks[device] {
			if len(c.acks) >= c.quorum && c.result.Mode == ModeProvisional {
				c.result.Mode = ModeSoftSafe
				c.m.logger.Info("ceremony soft safe", "ceremony_id", c.ID.Short(), "acks", len(c.acks), "quorum", c.quorum)
			}
			return
		}
	}
	c.finalizeLocked(ctx, out)
}

func (c *Ceremony) finalizeLocked(ctx context.Context, out *outbox) {
	ackSet := sortedDevices(c.acks)
	cert := fact.ConvergenceCert{
		Context:      c.contextID,
		OpID:         c.opID,
		PrestateHash: c.prestate,
		CoordEpoch:   c.chain.Parent().Epoch,
		AckSet:       ackSet,
		Window:       slices.Clone(c.window),
		Ceremony:     c.ID,
	}
	if cert.Window == nil {
		cert.Window = []ident.DeviceID{}
	}
	certFact, err := c.m.record(ctx, c.Authority, fact.Certify(cert))
	if err != nil {
		// The converge timer retries.
		c.m.logger.Error("recording convergence certificate", "ceremony_id", c.ID.Short(), "error", err)
		return
	}
	c.m.settle(c.Authority, c.prestate, c.opID)
	c.result.Mode = ModeFinalized
	c.result.Cert = &cert
	c.commit, err = encode("commit", Commit{Ops: c.attested, Cert: &certFact})
	if err != nil {
		c.commit = nil
	}
	var pending []*choreo.Session
	for _, device := range sortedDevices(c.remotes) {
		r := c.remotes[device]
		if r.session == nil {
			continue
		}
		switch {
		case c.commit == nil:
			out.add(c.finisher(r.session, c.abortFor(fact.Reversion{})))
		case r.status == remoteShared || r.status == remoteAccepted:
			out.add(c.sender(r.session, "commit", c.commit))
		case r.status == remoteInvited || r.status == remoteSigning:
			// Committed when its accept or share arrives.
			pending = append(pending, r.session)
		default:
			out.add(c.finisher(r.session, c.abortFor(fact.Reversion{})))
		}
	}
	if len(pending) > 0 {
		c.m.effects.Time.Clock().AfterFunc(c.m.participantExpiry(), func() {
			for _, session := range pending {
				if session.Status() == choreo.StatusActive {
					c.m.sessions.Abort(context.Background(), session, errSuperseded)
				}
			}
		})
	}
	c.m.logger.Info("ceremony finalized",
		"ceremony_id", c.ID.Short(),
		"op_hash", c.opID.Short(),
		"epoch", c.chain.Result().Epoch,
		"acks", len(ackSet),
	)
	c.closeLocked()
}

// abortFor encodes the abort message for a reversion; an empty
// reversion produces the abort sent to participants a finalized
// ceremony went ahead without.
func (c *Ceremony) abortFor(reversion fact.Reversion) []byte {
	data, err := encode("abort", Abort{Reason: reversion.Reason, Winner: reversion.Winner})
	if err != nil {
		return nil
	}
	return data
}

// revertLocked ends the ceremony with a reversion fact. It does
// nothing once the ceremony is terminal.
func (c *Ceremony) revertLocked(ctx context.Context, reason fact.ReversionReason, winner *digest.Hash, blamed []ident.DeviceID, out *outbox) {
	if c.phase == phaseDone {
		return
	}
	reversion := fact.Reversion{
		Context:    c.contextID,
		OpID:       c.opID,
		Winner:     winner,
		CoordEpoch: c.chain.Parent().Epoch,
		Reason:     reason,
		Blamed:     blamed,
		Ceremony:   c.ID,
	}
	if _, err := c.m.record(ctx, c.Authority, fact.Revert(reversion)); err != nil {
		c.m.logger.Error("recording reversion", "ceremony_id", c.ID.Short(), "error", err)
	}
	c.m.release(c.Authority, c.prestate, c)
	c.result.Mode = ModeReverted
	c.result.Reversion = &reversion

	abort := c.abortFor(reversion)
	for _, device := range sortedDevices(c.remotes) {
		if r := c.remotes[device]; r.session != nil {
			out.add(c.finisher(r.session, abort))
		}
	}
	for _, device := range sortedDevices(c.witnesses) {
		out.add(c.finisher(c.witnesses[device], nil))
	}
	attrs := []any{"ceremony_id", c.ID.Short(), "op_hash", c.opID.Short(), "reason", string(reason)}
	if winner != nil {
		attrs = append(attrs, "winner", winner.Short())
	}
	if len(blamed) > 0 {
		attrs = append(attrs, "blamed", len(blamed))
	}
	c.m.logger.Info("ceremony reverted", attrs...)
	c.closeLocked()
}

func (c *Ceremony) closeLocked() {
	c.phase = phaseDone
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	close(c.done)
}

// yield gives the ceremony's prestate to winner: if the ceremony has
// not finalized, its ack lock moves to winner and it reverts.
func (c *Ceremony) yield(ctx context.Context, winner digest.Hash) bool {
	var out outbox
	c.mu.Lock()
	if c.phase == phaseDone || !c.m.transfer(c.Authority, c.prestate, c, winner) {
		c.mu.Unlock()
		return false
	}
	c.revertLocked(ctx, fact.ReasonConflict, &winner, nil, &out)
	c.mu.Unlock()
	out.run(ctx)
	return true
}

func (c *Ceremony) onTimeout() {
	ctx := context.Background()
	var out outbox
	c.mu.Lock()
	if c.phase == phaseDone {
		c.mu.Unlock()
		return
	}
	c.attempt++
	if c.attempt > c.m.timeouts.Retries {
		reason := fact.ReasonTimeout
		if c.phase != phaseConverge && c.refusalReason() == fact.ReasonStalePrestate {
			reason = fact.ReasonStalePrestate
		}
		c.revertLocked(ctx, reason, nil, nil, &out)
		c.mu.Unlock()
		out.run(ctx)
		return
	}
	c.m.logger.Debug("ceremony phase timed out, re-broadcasting", "ceremony_id", c.ID.Short(), "attempt", c.attempt)
	switch c.phase {
	case phaseExecute, phaseSign:
		waiting := remoteInvited
		if c.phase == phaseSign {
			waiting = remoteSigning
		}
		for _, device := range sortedDevices(c.remotes) {
			if r := c.remotes[device]; r.session != nil && (r.status == remoteInvited || r.status == waiting) {
				out.add(c.retransmitter(r.session))
			}
		}
	case phaseConverge:
		for _, device := range sortedDevices(c.witnesses) {
			if !c.acks[device] {
				out.add(c.retransmitter(c.witnesses[device]))
			}
		}
		c.checkAcksLocked(ctx, &out)
	}
	if c.phase != phaseDone {
		c.timer = c.m.effects.Time.Clock().AfterFunc(c.timeout(), c.onTimeout)
	}
	c.mu.Unlock()
	out.run(ctx)
}

func (c *Ceremony) retransmitter(session *choreo.Session) func(context.Context) {
	return func(ctx context.Context) {
		if session.Status() != choreo.StatusActive {
			return
		}
		if err := c.m.sessions.Retransmit(ctx, session); err != nil {
			c.m.logger.Debug("retransmit failed", "ceremony_id", c.ID.Short(), "peer", session.Peer.Short(), "error", err)
		}
	}
}

func (c *Ceremony) onAccept(ctx context.Context, r *remote, accept Accept) {
	var out outbox
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		out.run(ctx)
	}()
	if accept.Commitment.Signer != r.device {
		c.revertLocked(ctx, fact.ReasonByzantine, nil, []ident.DeviceID{r.device}, &out)
		return
	}
	r.commitment = accept.Commitment
	switch c.phase {
	case phaseExecute:
		r.status = remoteAccepted
		c.advanceLocked(ctx, &out)
	case phaseSign, phaseConverge:
		c.requestSignLocked(r, &out)
	case phaseDone:
		r.status = remoteAccepted
		if c.result.Mode == ModeFinalized && c.commit != nil {
			out.add(c.sender(r.session, "commit", c.commit))
		} else {
			out.add(c.finisher(r.session, c.terminalAbort()))
		}
	}
}

func (c *Ceremony) onRefusal(ctx context.Context, r *remote, refusal Refusal) {
	var out outbox
	c.mu.Lock()
	c.m.logger.Info("participant refused", "ceremony_id", c.ID.Short(), "peer", r.device.Short(), "reason", refusal.String())
	r.status = remoteRefused
	r.refusal = &refusal
	c.advanceLocked(ctx, &out)
	c.mu.Unlock()
	out.run(ctx)
}

func (c *Ceremony) onShare(ctx context.Context, r *remote, reply ShareReply) {
	var out outbox
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		out.run(ctx)
	}()
	if reply.Refusal != nil {
		c.m.logger.Info("participant refused to sign", "ceremony_id", c.ID.Short(), "peer", r.device.Short(), "reason", reply.Refusal.String())
		r.status = remoteRefused
		r.refusal = reply.Refusal
		if c.phase == phaseDone {
			out.add(c.finisher(r.session, c.terminalAbort()))
		}
		c.advanceLocked(ctx, &out)
		return
	}
	if err := c.checkShares(r, reply); err != nil {
		c.m.logger.Warn("invalid share", "ceremony_id", c.ID.Short(), "peer", r.device.Short(), "error", err)
		r.status = remoteGone
		c.revertLocked(ctx, fact.ReasonByzantine, nil, []ident.DeviceID{r.device}, &out)
		return
	}
	r.shares = reply.Shares
	r.status = remoteShared
	switch c.phase {
	case phaseSign:
		c.advanceLocked(ctx, &out)
	case phaseDone:
		if c.result.Mode == ModeFinalized && c.commit != nil {
			out.add(c.sender(r.session, "commit", c.commit))
		} else {
			out.add(c.finisher(r.session, c.terminalAbort()))
		}
	}
}

// checkShares verifies a participant's revealed nonce and its share of
// every op it may sign.
func (c *Ceremony) checkShares(r *remote, reply ShareReply) error {
	if !r.commitment.Opens(reply.Nonce) {
		return fault.Crypto("nonce from %s does not open its commitment", r.device.Short())
	}
	if len(reply.Shares) != len(c.chain.Ops) {
		return fault.Invalid("%s sent %d shares for %d ops", r.device.Short(), len(reply.Shares), len(c.chain.Ops))
	}
	messages := c.proposal.Messages()
	for i, share := range reply.Shares {
		key, member := c.chain.Signers(i)[r.device]
		if !member || share.Signature == nil {
			continue
		}
		if share.Signer != r.device {
			return fault.Crypto("%s sent a share signed as %s", r.device.Short(), share.Signer.Short())
		}
		if err := threshold.VerifyShare(key, messages[i], share); err != nil {
			return err
		}
	}
	return nil
}

// terminalAbort is the abort for a participant that answers after the
// ceremony ended.
func (c *Ceremony) terminalAbort() []byte {
	if c.result.Reversion != nil {
		return c.abortFor(*c.result.Reversion)
	}
	return c.abortFor(fact.Reversion{})
}

func (c *Ceremony) onGone(ctx context.Context, r *remote) {
	var out outbox
	c.mu.Lock()
	if r.status != remoteShared && r.status != remoteRefused {
		r.status = remoteGone
	}
	c.advanceLocked(ctx, &out)
	c.mu.Unlock()
	out.run(ctx)
}

func (c *Ceremony) onAck(ctx context.Context, device ident.DeviceID) {
	var out outbox
	c.mu.Lock()
	if c.phase == phaseConverge {
		c.acks[device] = true
		c.checkAcksLocked(ctx, &out)
	}
	c.mu.Unlock()
	out.run(ctx)
}

func (c *Ceremony) onNack(ctx context.Context, device ident.DeviceID, reply AckReply) {
	var out outbox
	c.mu.Lock()
	c.m.logger.Info("window member refused to acknowledge",
		"ceremony_id", c.ID.Short(),
		"peer", device.Short(),
		"reason", reply.Reason,
	)
	if reply.Winner != nil {
		winner := *reply.Winner
		c.revertLocked(ctx, fact.ReasonConflict, &winner, nil, &out)
	} else {
		c.revertLocked(ctx, fact.ReasonInvalid, nil, nil, &out)
	}
	c.mu.Unlock()
	out.run(ctx)
}

// coordinatorSession handles the coordinator's side of one
// ceremony/v1 session.
type coordinatorSession struct {
	c      *Ceremony
	remote *remote
}

func (h *coordinatorSession) Receive(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	switch message.Label {
	case "accept":
		accept, err := decode[Accept]("accept", message.Data)
		if err != nil {
			return err
		}
		h.c.onAccept(ctx, h.remote, accept)
	case "reject":
		refusal, err := decode[Refusal]("refusal", message.Data)
		if err != nil {
			return err
		}
		h.c.onRefusal(ctx, h.remote, refusal)
	case "share":
		reply, err := decode[ShareReply]("share", message.Data)
		if err != nil {
			return err
		}
		h.c.onShare(ctx, h.remote, reply)
	default:
		return fault.Invalid("coordinator cannot handle %q", message.Label)
	}
	return nil
}

func (h *coordinatorSession) Aborted(ctx context.Context, session *choreo.Session, cause error) {
	h.c.onGone(ctx, h.remote)
}

// witnessSession handles the coordinator's side of one converge/v1
// session.
type witnessSession struct {
	c      *Ceremony
	device ident.DeviceID
}

func (h *witnessSession) Receive(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	switch message.Label {
	case "ack":
		h.c.onAck(ctx, h.device)
	case "nack":
		reply, err := decode[AckReply]("nack", message.Data)
		if err != nil {
			return err
		}
		h.c.onNack(ctx, h.device, reply)
	default:
		return fault.Invalid("coordinator cannot handle %q", message.Label)
	}
	return nil
}
