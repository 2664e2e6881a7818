// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreo

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Role names a participant in a protocol.
type Role string

// Global is a protocol from the global point of view.
type Global interface {
	global()
	String() string
}

// Message is From sending Label to To, then Next.
type Message struct {
	From, To Role
	Label    string
	Next     Global
}

// Choice is From selecting one labelled branch and telling To which.
// The selection label is the first message of the branch.
type Choice struct {
	From, To Role
	Branches map[string]Global
}

// Rec binds Name to Body; Var jumps back to the enclosing Rec.
type Rec struct {
	Name string
	Body Global
}

// Var refers to an enclosing Rec.
type Var struct {
	Name string
}

// End terminates the protocol.
type End struct{}

func (Message) global() {}
func (Choice) global()  {}
func (Rec) global()     {}
func (Var) global()     {}
func (End) global()     {}

func (m Message) String() string {
	return fmt.Sprintf("%s->%s:%s.%s", m.From, m.To, m.Label, m.Next)
}

func (c Choice) String() string {
	return fmt.Sprintf("%s->%s{%s}", c.From, c.To, branchString(c.Branches))
}

func (r Rec) String() string { return fmt.Sprintf("rec %s.%s", r.Name, r.Body) }
func (v Var) String() string { return v.Name }
func (End) String() string   { return "end" }

func branchString[T fmt.Stringer](branches map[string]T) string {
	parts := make([]string, 0, len(branches))
	for _, label := range slices.Sorted(maps.Keys(branches)) {
		parts = append(parts, label+":"+branches[label].String())
	}
	return strings.Join(parts, ", ")
}

// Local is a protocol from one role's point of view.
type Local interface {
	local()
	String() string
}

// Send emits Label to Peer.
type Send struct {
	Peer  Role
	Label string
	Next  Local
}

// Recv waits for Label from Peer.
type Recv struct {
	Peer  Role
	Label string
	Next  Local
}

// Select is an internal choice: this role picks a branch and sends
// its label to Peer.
type Select struct {
	Peer     Role
	Branches map[string]Local
}

// Branch is an external choice: Peer picks, and the label of the
// message received selects the continuation.
type Branch struct {
	Peer     Role
	Branches map[string]Local
}

// LocalRec and LocalVar are the projections of Rec and Var.
type LocalRec struct {
	Name string
	Body Local
}

type LocalVar struct {
	Name string
}

// LocalEnd terminates the local protocol.
type LocalEnd struct{}

func (Send) local()     {}
func (Recv) local()     {}
func (Select) local()   {}
func (Branch) local()   {}
func (LocalRec) local() {}
func (LocalVar) local() {}
func (LocalEnd) local() {}

func (s Send) String() string     { return fmt.Sprintf("!%s:%s.%s", s.Peer, s.Label, s.Next) }
func (r Recv) String() string     { return fmt.Sprintf("?%s:%s.%s", r.Peer, r.Label, r.Next) }
func (s Select) String() string   { return fmt.Sprintf("%s+{%s}", s.Peer, branchString(s.Branches)) }
func (b Branch) String() string   { return fmt.Sprintf("%s&{%s}", b.Peer, branchString(b.Branches)) }
func (r LocalRec) String() string { return fmt.Sprintf("rec %s.%s", r.Name, r.Body) }
func (v LocalVar) String() string { return v.Name }
func (LocalEnd) String() string   { return "end" }

// Project computes the local type of role. A role that takes no part
// in a choice must see the same continuation in every branch, or
// continuations that differ only in which labels a common peer may
// send; anything else is an unprojectable protocol.
func Project(g Global, role Role) (Local, error) {
	switch g := g.(type) {
	case Message:
		if g.From == g.To {
			return nil, fmt.Errorf("message %q is sent by %s to itself", g.Label, g.From)
		}
		next, err := Project(g.Next, role)
		if err != nil {
			return nil, err
		}
		switch role {
		case g.From:
			return Send{Peer: g.To, Label: g.Label, Next: next}, nil
		case g.To:
			return Recv{Peer: g.From, Label: g.Label, Next: next}, nil
		}
		return next, nil

	case Choice:
		if len(g.Branches) == 0 {
			return nil, fmt.Errorf("choice by %s has no branches", g.From)
		}
		if g.From == g.To {
			return nil, fmt.Errorf("choice by %s is sent to itself", g.From)
		}
		projected := make(map[string]Local, len(g.Branches))
		for _, label := range slices.Sorted(maps.Keys(g.Branches)) {
			local, err := Project(g.Branches[label], role)
			if err != nil {
				return nil, fmt.Errorf("branch %q: %w", label, err)
			}
			projected[label] = local
		}
		switch role {
		case g.From:
			return Select{Peer: g.To, Branches: projected}, nil
		case g.To:
			return Branch{Peer: g.From, Branches: projected}, nil
		}
		var merged Local
		for _, label := range slices.Sorted(maps.Keys(projected)) {
			if merged == nil {
				merged = projected[label]
				continue
			}
			next, err := merge(merged, projected[label])
			if err != nil {
				return nil, fmt.Errorf("%s cannot tell branches of %s's choice apart: %w", role, g.From, err)
			}
			merged = next
		}
		return merged, nil

	case Rec:
		body, err := Project(g.Body, role)
		if err != nil {
			return nil, err
		}
		if _, ok := body.(LocalVar); ok {
			return LocalEnd{}, nil
		}
		return LocalRec{Name: g.Name, Body: body}, nil

	case Var:
		return LocalVar{Name: g.Name}, nil

	case End:
		return LocalEnd{}, nil
	}
	return nil, fmt.Errorf("unknown global type %T", g)
}

// merge joins the projections of two branches for an uninvolved role.
func merge(a, b Local) (Local, error) {
	switch a := a.(type) {
	case LocalEnd:
		if _, ok := b.(LocalEnd); ok {
			return a, nil
		}
	case LocalVar:
		if other, ok := b.(LocalVar); ok && other.Name == a.Name {
			return a, nil
		}
	case LocalRec:
		if other, ok := b.(LocalRec); ok && other.Name == a.Name {
			body, err := merge(a.Body, other.Body)
			if err != nil {
				return nil, err
			}
			return LocalRec{Name: a.Name, Body: body}, nil
		}
	case Send:
		if other, ok := b.(Send); ok && other.Peer == a.Peer && other.Label == a.Label {
			next, err := merge(a.Next, other.Next)
			if err != nil {
				return nil, err
			}
			return Send{Peer: a.Peer, Label: a.Label, Next: next}, nil
		}
	case Recv:
		if other, ok := b.(Recv); ok && other.Peer == a.Peer && other.Label == a.Label {
			next, err := merge(a.Next, other.Next)
			if err != nil {
				return nil, err
			}
			return Recv{Peer: a.Peer, Label: a.Label, Next: next}, nil
		}
	case Select:
		if other, ok := b.(Select); ok && other.Peer == a.Peer &&
			slices.Equal(slices.Sorted(maps.Keys(a.Branches)), slices.Sorted(maps.Keys(other.Branches))) {
			branches := make(map[string]Local, len(a.Branches))
			for label, left := range a.Branches {
				next, err := merge(left, other.Branches[label])
				if err != nil {
					return nil, err
				}
				branches[label] = next
			}
			return Select{Peer: a.Peer, Branches: branches}, nil
		}
	case Branch:
		if other, ok := b.(Branch); ok && other.Peer == a.Peer {
			branches := maps.Clone(a.Branches)
			for label, right := range other.Branches {
				left, shared := branches[label]
				if !shared {
					branches[label] = right
					continue
				}
				next, err := merge(left, right)
				if err != nil {
					return nil, err
				}
				branches[label] = next
			}
			return Branch{Peer: a.Peer, Branches: branches}, nil
		}
	}
	return nil, fmt.Errorf("%s and %s differ", a, b)
}

// Roles returns the roles that appear in g, sorted.
func Roles(g Global) []Role {
	seen := make(map[Role]bool)
	var walk func(Global)
	walk = func(g Global) {
		switch g := g.(type) {
		case Message:
			seen[g.From], seen[g.To] = true, true
			walk(g.Next)
		case Choice:
			seen[g.From], seen[g.To] = true, true
			for _, branch := range g.Branches {
				walk(branch)
			}
		case Rec:
			walk(g.Body)
		}
	}
	walk(g)
	return slices.Sorted(maps.Keys(seen))
}

// Labels returns every message label in g, sorted.
func Labels(g Global) []string {
	seen := make(map[string]bool)
	var walk func(Global)
	walk = func(g Global) {
		switch g := g.(type) {
		case Message:
			seen[g.Label] = true
			walk(g.Next)
		case Choice:
			for label, branch := range g.Branches {
				seen[label] = true
				walk(branch)
			}
		case Rec:
			walk(g.Body)
		}
	}
	walk(g)
	return slices.Sorted(maps.Keys(seen))
}
