// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies the errors that end peer connections, so
// transports can tell an ordinary hang-up from a failure worth a
// warning.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Disconnected reports whether err ends a connection the ordinary way:
// the peer hung up (EOF, also in the middle of a frame), this side
// closed the connection, or the kernel reset it (EPIPE, ECONNRESET).
// Peers restart and networks drop, so none of these are logged as
// errors.
func Disconnected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// TimedOut reports whether err is a read or write deadline expiring.
func TimedOut(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
