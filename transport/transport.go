// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"time"
)

// Dialer opens connections to peer devices. The address format
// matches what the peer's TCP.Address returns.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

var _ Dialer = (*TCPDialer)(nil)

// TCPDialer opens plain TCP connections.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
