// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/choreo"
	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/clock"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Context is the context sync sessions run in. Flow budgets for sync
// traffic are kept per peer under it.
var Context = ident.Derive[ident.Context]("sync", []byte("v1"))

const (
	// DefaultMaxFacts bounds the facts one message carries. Whatever
	// does not fit goes in a later round.
	DefaultMaxFacts = 4096

	// DefaultRoundTimeout bounds a round whose peer stops answering.
	DefaultRoundTimeout = 30 * time.Second
)

var errRoundTimeout = fault.Network("sync round timed out")

// Result is the outcome of one round, as seen by the initiator.
type Result struct {
	Peer ident.DeviceID

	// Pulled counts facts merged from the peer; Pushed counts facts
	// sent to it.
	Pulled int
	Pushed int

	Err error
}

// Config configures a Syncer.
type Config struct {
	Effects  *effect.Effects
	Sessions *choreo.Runtime

	// Share reports whether namespace may be exchanged with peer. Nil
	// shares every namespace.
	Share func(peer ident.DeviceID, namespace fact.Namespace) bool

	// Merged is called after facts received from peer are merged, with
	// the facts that were new.
	Merged func(ctx context.Context, peer ident.DeviceID, namespace fact.Namespace, added []fact.Fact)

	MaxFacts     int
	RoundTimeout time.Duration
	Logger       *slog.Logger
}

// Syncer runs sync/v1 rounds in both roles.
type Syncer struct {
	effects      *effect.Effects
	sessions     *choreo.Runtime
	share        func(ident.DeviceID, fact.Namespace) bool
	merged       func(context.Context, ident.DeviceID, fact.Namespace, []fact.Fact)
	maxFacts     int
	roundTimeout time.Duration
	logger       *slog.Logger
}

// NewSyncer returns a syncer and registers it as the sync responder.
func NewSyncer(cfg Config) *Syncer {
	s := &Syncer{
		effects:      cfg.Effects,
		sessions:     cfg.Sessions,
		share:        cfg.Share,
		merged:       cfg.Merged,
		maxFacts:     cfg.MaxFacts,
		roundTimeout: cfg.RoundTimeout,
		logger:       cfg.Logger,
	}
	if s.share == nil {
		s.share = func(ident.DeviceID, fact.Namespace) bool { return true }
	}
	if s.maxFacts <= 0 {
		s.maxFacts = DefaultMaxFacts
	}
	if s.roundTimeout <= 0 {
		s.roundTimeout = DefaultRoundTimeout
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.sessions.Accept(choreo.Sync, s.accept)
	return s
}

// Sync starts a round with peer covering every shared namespace this
// device holds. The round completes as frames arrive; done, when set,
// is called once with its outcome. Sync returns an error only when the
// session could not be opened, in which case done is never called.
func (s *Syncer) Sync(ctx context.Context, peer ident.DeviceID, done func(Result)) error {
	digests, err := Summarize(ctx, s.effects.Journal)
	if err != nil {
		return err
	}
	offer := Offer{Digests: make([]Digest, 0, len(digests))}
	for _, summary := range digests {
		if s.share(peer, summary.Namespace) {
			offer.Digests = append(offer.Digests, summary)
		}
	}
	data, err := encode("digest", offer)
	if err != nil {
		return err
	}

	self := s.effects.Device
	id := choreo.SessionID(choreo.Sync, self.Bytes(), peer.Bytes(), s.effects.Random.Bytes(16))
	r := &round{s: s, done: done, result: Result{Peer: peer}}
	session, err := s.sessions.Open(choreo.Sync, id, peer, Context, r)
	if err != nil {
		return err
	}
	r.timer = s.effects.Time.Clock().AfterFunc(s.roundTimeout, func() {
		s.sessions.Abort(context.Background(), session, errRoundTimeout)
	})
	if err := s.sessions.SendCost(ctx, session, "digest", data, 1); err != nil {
		// A retriable denial leaves the session open; the round is over
		// either way, and Aborted reports it.
		s.sessions.Abort(ctx, session, err)
		return nil
	}
	s.logger.Debug("sync round started", "peer", peer.Short(), "namespaces", len(offer.Digests))
	return nil
}

// merge merges batches received from peer and reports how many facts
// were new. Batches for namespaces not shared with peer are ignored.
func (s *Syncer) merge(ctx context.Context, peer ident.DeviceID, batches []Batch) (int, error) {
	total := 0
	for _, batch := range batches {
		if len(batch.Facts) == 0 || !s.share(peer, batch.Namespace) {
			continue
		}
		added, err := s.effects.Journal.MergeFacts(ctx, batch.Namespace, batch.Facts)
		if err != nil {
			return total, err
		}
		total += len(added)
		if len(added) > 0 && s.merged != nil {
			s.merged(ctx, peer, batch.Namespace, added)
		}
	}
	return total, nil
}

// load reads the wanted facts, stopping at the per-message limit.
func (s *Syncer) load(ctx context.Context, peer ident.DeviceID, wants []Want) ([]Batch, int, error) {
	var batches []Batch
	total := 0
	for _, want := range wants {
		if total >= s.maxFacts || !s.share(peer, want.Namespace) {
			continue
		}
		ids := want.IDs[:min(len(want.IDs), s.maxFacts-total)]
		facts, err := s.effects.Journal.LoadFactsByID(ctx, want.Namespace, ids)
		if err != nil {
			return nil, 0, err
		}
		if len(facts) == 0 {
			continue
		}
		batches = append(batches, Batch{Namespace: want.Namespace, Facts: facts})
		total += len(facts)
	}
	return batches, total, nil
}

// round is the initiator side of one session.
type round struct {
	s      *Syncer
	done   func(Result)
	timer  *clock.Timer
	once   sync.Once
	result Result
}

func (r *round) Receive(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	if message.Label != "reply" {
		return fault.Invalid("sync initiator cannot handle %q", message.Label)
	}
	reply, err := decode[Reply]("reply", message.Data)
	if err != nil {
		return err
	}
	pulled, err := r.s.merge(ctx, session.Peer, reply.Batches)
	if err != nil {
		return err
	}
	r.result.Pulled = pulled

	batches, pushed, err := r.s.load(ctx, session.Peer, reply.Want)
	if err != nil {
		return err
	}
	data, err := encode("facts", Push{Batches: batches})
	if err != nil {
		return err
	}
	if err := r.s.sessions.SendCost(ctx, session, "facts", data, uint64(pushed)+1); err != nil {
		return err
	}
	r.result.Pushed = pushed
	r.s.logger.Debug("sync round complete", "peer", session.Peer.Short(), "pulled", pulled, "pushed", pushed)
	r.finish(nil)
	return nil
}

func (r *round) Aborted(ctx context.Context, session *choreo.Session, cause error) {
	r.s.logger.Debug("sync round aborted", "peer", session.Peer.Short(), "error", cause)
	r.finish(cause)
}

func (r *round) finish(err error) {
	r.once.Do(func() {
		r.timer.Stop()
		r.result.Err = err
		if r.done != nil {
			r.done(r.result)
		}
	})
}

// responder is the responder side of one session.
type responder struct {
	s *Syncer
}

func (s *Syncer) accept(ctx context.Context, session *choreo.Session) (choreo.Handler, error) {
	return &responder{s: s}, nil
}

func (p *responder) Receive(ctx context.Context, session *choreo.Session, message choreo.Received) error {
	switch message.Label {
	case "digest":
		offer, err := decode[Offer]("digest", message.Data)
		if err != nil {
			return err
		}
		return p.answer(ctx, session, offer)
	case "facts":
		push, err := decode[Push]("facts", message.Data)
		if err != nil {
			return err
		}
		merged, err := p.s.merge(ctx, session.Peer, push.Batches)
		if err != nil {
			return err
		}
		p.s.logger.Debug("sync facts received", "peer", session.Peer.Short(), "merged", merged)
		return nil
	default:
		return fault.Invalid("sync responder cannot handle %q", message.Label)
	}
}

func (p *responder) answer(ctx context.Context, session *choreo.Session, offer Offer) error {
	peer := session.Peer
	var reply Reply
	var wants []Want
	for _, remote := range offer.Digests {
		if !p.s.share(peer, remote.Namespace) {
			continue
		}
		local, err := SummarizeNamespace(ctx, p.s.effects.Journal, remote.Namespace)
		if err != nil {
			return err
		}
		push, pull := Diff(local, remote)
		if len(push) > 0 {
			wants = append(wants, Want{Namespace: remote.Namespace, IDs: push})
		}
		if len(pull) > 0 {
			reply.Want = append(reply.Want, Want{Namespace: remote.Namespace, IDs: pull[:min(len(pull), p.s.maxFacts)]})
		}
	}
	batches, count, err := p.s.load(ctx, peer, wants)
	if err != nil {
		return err
	}
	reply.Batches = batches
	data, err := encode("reply", reply)
	if err != nil {
		return err
	}
	return p.s.sessions.SendCost(ctx, session, "reply", data, uint64(count)+1)
}
