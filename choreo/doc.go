// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package choreo runs two-party message protocols described as global
// types.
//
// A protocol is written once from the global point of view (who sends
// which labelled message to whom, where choices are made, where it
// loops) and projected onto each role as a local type. The runtime
// keeps one Session per conversation, advances its local type with
// every message sent or received, and refuses messages the type does
// not allow.
//
// Every send passes a guard before anything leaves the node. The guard
// checks, in order, the context's capability, the flow budget headroom
// toward the peer, and a capability token when the message needs one,
// then charges the budget. A denied send leaves the budget untouched.
//
// Sessions are event driven: the runtime calls the session's Handler
// for each delivered message, so a session waiting on a peer holds no
// goroutine and no lock. Multi-party ceremonies run as one pairwise
// session per participant.
package choreo
