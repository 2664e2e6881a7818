// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreo

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/lattice"
)

// Status is where a session is in its life.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusDone
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDone:
		return "done"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ErrCancelled is the cause recorded for a session cancelled through
// Session.Cancel.
var ErrCancelled = fault.Coordination("session cancelled")

// Received is one message delivered to a session.
type Received struct {
	Label    string
	Data     []byte
	Sequence uint64
	Envelope Envelope
}

// Handler consumes the messages of one session. Receive runs once per
// message, in sequence order, never concurrently for one session. An
// error aborts the session.
type Handler interface {
	Receive(ctx context.Context, session *Session, message Received) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, session *Session, message Received) error

func (f HandlerFunc) Receive(ctx context.Context, session *Session, message Received) error {
	return f(ctx, session, message)
}

// Aborter is implemented by handlers that want to hear why their
// session aborted.
type Aborter interface {
	Aborted(ctx context.Context, session *Session, cause error)
}

// Session is one running conversation. Its fields are fixed at
// creation; its progress is only changed by the Runtime.
type Session struct {
	ID       ident.SessionID
	Protocol *Protocol
	Role     Role
	Peer     ident.DeviceID
	Context  ident.ContextID

	handler   Handler
	cancelled atomic.Bool
	done      chan struct{}

	// turn serializes delivery; mu guards the fields below it. A
	// handler may send while holding the turn.
	turn sync.Mutex
	send sync.Mutex
	mu   sync.Mutex

	current   Local
	recursion map[string]Local
	status    Status
	cause     error

	sent      uint64
	delivered uint64
	buffer    *lattice.CausalBuffer[uint64, Received]
	buffered  map[uint64]bool

	// lastFrame is the most recent frame sent; replyTo is the peer
	// sequence that had been delivered when it was sent.
	lastFrame []byte
	replyTo   uint64
}

func newSession(id ident.SessionID, protocol *Protocol, role Role, peer ident.DeviceID, contextID ident.ContextID) (*Session, error) {
	local, ok := protocol.Local(role)
	if !ok {
		return nil, fault.Invalid("protocol %s has no role %s", protocol.Name, role)
	}
	return &Session{
		ID:        id,
		Protocol:  protocol,
		Role:      role,
		Peer:      peer,
		Context:   contextID,
		done:      make(chan struct{}),
		current:   local,
		recursion: make(map[string]Local),
		status:    StatusActive,
		buffer:    lattice.NewCausalBuffer[uint64, Received](0),
		buffered:  make(map[uint64]bool),
	}, nil
}

// Cancel asks the session to stop. The next send or delivery aborts
// it with ErrCancelled. Cancelling twice is harmless.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Done is closed when the session finishes or aborts.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns why the session aborted, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Expecting returns the labels the session may receive next, sorted.
// It is empty when the session's next move is a send or it is over.
func (s *Session) Expecting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.unfold()
	if err != nil {
		return nil
	}
	switch current := current.(type) {
	case Recv:
		return []string{current.Label}
	case Branch:
		return slices.Sorted(maps.Keys(current.Branches))
	}
	return nil
}

// CanSend reports whether label is a valid next send.
func (s *Session) CanSend(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.advance(label, true)
	return err == nil
}

// unfold resolves recursion at the head of the current local type.
// Callers hold mu.
func (s *Session) unfold() (Local, error) {
	current := s.current
	for range 64 {
		switch head := current.(type) {
		case LocalRec:
			s.recursion[head.Name] = head
			current = head.Body
		case LocalVar:
			rec, ok := s.recursion[head.Name]
			if !ok {
				return nil, fault.Internal("unbound recursion variable %s", head.Name)
			}
			current = rec
		default:
			return current, nil
		}
	}
	return nil, fault.Internal("unguarded recursion in %s", s.Protocol.Name)
}

// advance returns the continuation after sending (outgoing) or
// receiving label. Callers hold mu.
func (s *Session) advance(label string, outgoing bool) (Local, error) {
	if s.status != StatusActive {
		return nil, fault.Coordination("session %s is %s", s.ID.Short(), s.status)
	}
	current, err := s.unfold()
	if err != nil {
		return nil, err
	}
	switch head := current.(type) {
	case Send:
		if outgoing && head.Label == label {
			return head.Next, nil
		}
	case Select:
		if next, ok := head.Branches[label]; ok && outgoing {
			return next, nil
		}
	case Recv:
		if !outgoing && head.Label == label {
			return head.Next, nil
		}
	case Branch:
		if next, ok := head.Branches[label]; ok && !outgoing {
			return next, nil
		}
	}
	direction := "receive"
	if outgoing {
		direction = "send"
	}
	return nil, fault.Invalid("%s %s cannot %s %q at %s", s.Protocol.Name, s.Role, direction, label, current)
}

// finished reports whether the local type has reached its end.
// Callers hold mu.
func (s *Session) finished() bool {
	current, err := s.unfold()
	if err != nil {
		return false
	}
	_, end := current.(LocalEnd)
	return end
}

// close moves the session to a terminal status once. It reports
// whether this call did so.
func (s *Session) close(status Status, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = status
	s.cause = cause
	close(s.done)
	return true
}
