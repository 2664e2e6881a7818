// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// SchedulerConfig configures a Scheduler. Zero durations and fan-out
// take the configuration defaults.
type SchedulerConfig struct {
	Syncer  *Syncer
	Effects *effect.Effects

	// Peers returns the devices sync rounds may target.
	Peers func() []ident.DeviceID

	Interval   time.Duration
	Fanout     int
	BackoffMin time.Duration
	BackoffMax time.Duration

	Logger *slog.Logger
}

// Scheduler decides when to sync with whom.
type Scheduler struct {
	syncer     *Syncer
	effects    *effect.Effects
	peers      func() []ident.DeviceID
	interval   time.Duration
	fanout     int
	backoffMin time.Duration
	backoffMax time.Duration
	logger     *slog.Logger
	trigger    chan struct{}

	mu       sync.Mutex
	inflight map[ident.DeviceID]bool
	backoff  map[ident.DeviceID]peerBackoff
}

type peerBackoff struct {
	delay time.Duration
	until time.Time
}

// NewScheduler returns an idle scheduler; Run drives it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	defaults := config.Default().Sync
	s := &Scheduler{
		syncer:     cfg.Syncer,
		effects:    cfg.Effects,
		peers:      cfg.Peers,
		interval:   cfg.Interval,
		fanout:     cfg.Fanout,
		backoffMin: cfg.BackoffMin,
		backoffMax: cfg.BackoffMax,
		logger:     cfg.Logger,
		trigger:    make(chan struct{}, 1),
		inflight:   make(map[ident.DeviceID]bool),
		backoff:    make(map[ident.DeviceID]peerBackoff),
	}
	if s.interval <= 0 {
		s.interval = defaults.Interval.Std()
	}
	if s.fanout <= 0 {
		s.fanout = defaults.Fanout
	}
	if s.backoffMin <= 0 {
		s.backoffMin = defaults.BackoffMin.Std()
	}
	if s.backoffMax < s.backoffMin {
		s.backoffMax = max(defaults.BackoffMax.Std(), s.backoffMin)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Trigger asks for a round as soon as possible. Triggers that arrive
// while one is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run starts a round immediately, then once per interval and after
// every trigger, until ctx is cancelled. Each periodic round first
// replenishes the sync flow budgets, so the default budget limit is
// an allowance per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.effects.Time.Clock().NewTicker(s.interval)
	defer ticker.Stop()

	s.Round(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.trigger:
			s.Round(ctx)
		}
	}
}

// Tick is one periodic round: it replenishes the sync budgets and
// then runs Round. Run calls it once per interval; the simulator calls
// it directly.
func (s *Scheduler) Tick(ctx context.Context) []ident.DeviceID {
	s.replenish(ctx)
	return s.Round(ctx)
}

// Interval returns the period between ticks.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Round starts a sync with up to fan-out eligible peers, chosen at
// random, and returns them. A peer is eligible when no round with it
// is running and it is not backing off.
func (s *Scheduler) Round(ctx context.Context) []ident.DeviceID {
	chosen := s.choose()
	for _, peer := range chosen {
		if err := s.syncer.Sync(ctx, peer, s.record); err != nil {
			s.record(Result{Peer: peer, Err: err})
		}
	}
	return chosen
}

func (s *Scheduler) choose() []ident.DeviceID {
	now := s.effects.Time.Now()
	self := s.effects.Device

	s.mu.Lock()
	defer s.mu.Unlock()
	var eligible []ident.DeviceID
	for _, peer := range s.peers() {
		if peer == self || s.inflight[peer] || slices.Contains(eligible, peer) {
			continue
		}
		if backoff, ok := s.backoff[peer]; ok && now.Before(backoff.until) {
			continue
		}
		eligible = append(eligible, peer)
	}
	slices.SortFunc(eligible, ident.Compare[ident.Device])

	// Partial Fisher-Yates: the first fan-out entries end up a
	// uniform sample.
	count := min(s.fanout, len(eligible))
	for i := range count {
		j := int(s.effects.Random.Range(uint64(i), uint64(len(eligible))))
		eligible[i], eligible[j] = eligible[j], eligible[i]
	}
	chosen := eligible[:count]
	for _, peer := range chosen {
		s.inflight[peer] = true
	}
	return chosen
}

func (s *Scheduler) record(result Result) {
	now := s.effects.Time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, result.Peer)
	if result.Err == nil {
		delete(s.backoff, result.Peer)
		return
	}
	delay := s.backoffMin
	if previous, ok := s.backoff[result.Peer]; ok {
		delay = min(previous.delay*2, s.backoffMax)
	}
	s.backoff[result.Peer] = peerBackoff{delay: delay, until: now.Add(delay)}
	s.logger.Info("sync with peer failed, backing off",
		"peer", result.Peer.Short(),
		"backoff", delay,
		"error", result.Err,
	)
}

// Backoff returns the current backoff delay toward peer, if any.
func (s *Scheduler) Backoff(peer ident.DeviceID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backoff, ok := s.backoff[peer]
	return backoff.delay, ok
}

// replenish starts a new budget epoch for every peer that spent sync
// budget since the last one.
func (s *Scheduler) replenish(ctx context.Context) {
	for _, peer := range s.peers() {
		budget, err := s.effects.Journal.FlowBudget(ctx, Context, peer)
		if err != nil {
			s.logger.Warn("reading sync budget", "peer", peer.Short(), "error", err)
			continue
		}
		if budget.Spent == 0 {
			continue
		}
		if _, err := s.effects.Journal.UpdateFlowBudget(ctx, Context, peer, budget.Replenish(budget.Limit)); err != nil {
			s.logger.Warn("replenishing sync budget", "peer", peer.Short(), "error", err)
		}
	}
}
