// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreo

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Step names the guard check that denied a send.
type Step uint8

const (
	StepCapability Step = iota + 1
	StepFlowBudget
	StepAuthorization
)

func (s Step) String() string {
	switch s {
	case StepCapability:
		return "capability"
	case StepFlowBudget:
		return "flow_budget"
	case StepAuthorization:
		return "authorization"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Denial is the structured reason a send was refused. It reaches
// callers wrapped in an Authorization fault; use errors.As to get it.
type Denial struct {
	Step    Step
	Context ident.ContextID
	Peer    ident.DeviceID
	Label   string
	Reason  string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("send of %q to %s denied at %s: %s", d.Label, d.Peer.Short(), d.Step, d.Reason)
}

// deny wraps a denial. Only an exhausted budget is worth retrying; it
// refills as budget facts arrive.
func deny(denial *Denial) error {
	err := &fault.Error{Kind: fault.KindAuthorization, Err: denial}
	return err.WithRetriable(denial.Step == StepFlowBudget)
}

// HeldToken is a capability token together with the root key of the
// issuer it verifies against.
type HeldToken struct {
	Root  ed25519.PublicKey
	Token []byte
}

// Tokens holds the capability tokens this node presents per context.
// Safe for concurrent use.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[ident.ContextID][]HeldToken
}

// NewTokens returns an empty token set.
func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[ident.ContextID][]HeldToken)}
}

// Add records a token for contextID.
func (t *Tokens) Add(contextID ident.ContextID, held HeldToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[contextID] = append(t.tokens[contextID], held)
}

// For returns the tokens held for contextID.
func (t *Tokens) For(contextID ident.ContextID) []HeldToken {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]HeldToken(nil), t.tokens[contextID]...)
}

// Guards evaluates send guards against the journal's capabilities and
// flow budgets and the authorization handler.
type Guards struct {
	journal       effect.Journal
	authorization effect.Authorization
	tokens        *Tokens
}

// NewGuards returns a guard evaluator. tokens may be nil when no
// protocol in use needs tokens.
func NewGuards(journal effect.Journal, authorization effect.Authorization, tokens *Tokens) *Guards {
	return &Guards{journal: journal, authorization: authorization, tokens: tokens}
}

// Check evaluates guard for a send of label to peer within contextID
// and, if every check passes, charges cost to the flow budget. It
// returns the resulting headroom.
//
// The checks run in order: the context capability must meet the
// guard's capability, the budget must have room for cost, and a token
// must grant the guard's action when one is named. The budget is
// charged only after all three pass, and the charge itself is atomic,
// so a denied send never spends budget.
func (g *Guards) Check(ctx context.Context, contextID ident.ContextID, peer ident.DeviceID, label string, guard Guard, cost uint64) (uint64, error) {
	denial := func(step Step, format string, args ...any) error {
		return deny(&Denial{Step: step, Context: contextID, Peer: peer, Label: label, Reason: fmt.Sprintf(format, args...)})
	}

	held, err := g.journal.Caps(ctx, contextID)
	if err != nil {
		return 0, fault.Wrapf(fault.KindStorage, err, "loading capability for %s", contextID)
	}
	if !held.Allows(guard.Capability) {
		return 0, denial(StepCapability, "context holds %s, send needs %s", held, guard.Capability)
	}

	budget, err := g.journal.FlowBudget(ctx, contextID, peer)
	if err != nil {
		return 0, fault.Wrapf(fault.KindStorage, err, "loading flow budget for %s", peer)
	}
	if budget.Headroom() < cost {
		return 0, denial(StepFlowBudget, "headroom %d below cost %d", budget.Headroom(), cost)
	}

	if guard.Action != "" {
		if err := g.authorize(ctx, contextID, guard.Action); err != nil {
			return 0, denial(StepAuthorization, "%v", err)
		}
	}

	charged, err := g.journal.ChargeFlowBudget(ctx, contextID, peer, cost)
	if err != nil {
		if fault.IsKind(err, fault.KindAuthorization) {
			return 0, denial(StepFlowBudget, "%v", err)
		}
		return 0, err
	}
	return charged.Headroom(), nil
}

// authorize succeeds when any token held for contextID grants action
// on the context.
func (g *Guards) authorize(ctx context.Context, contextID ident.ContextID, action string) error {
	held := g.tokens.For(contextID)
	if len(held) == 0 {
		return fmt.Errorf("no token held for %s", contextID)
	}
	request := capability.Request{Action: action, Resource: contextID.String()}
	reason := "no token grants " + action
	for _, token := range held {
		result, err := g.authorization.VerifyCapability(ctx, token.Root, token.Token, request)
		if err != nil {
			reason = err.Error()
			continue
		}
		if result.Authorized {
			return nil
		}
		reason = result.Reason
	}
	return errors.New(reason)
}
