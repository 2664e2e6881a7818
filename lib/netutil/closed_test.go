// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestDisconnected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"eof mid frame", fmt.Errorf("reading frame: %w", io.ErrUnexpectedEOF), true},
		{"closed", &net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"refused", syscall.ECONNREFUSED, false},
		{"other", errors.New("frame too large"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Disconnected(test.err); got != test.want {
				t.Errorf("Disconnected(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestTimedOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	client.SetReadDeadline(time.Now().Add(-time.Second))
	_, err := client.Read(make([]byte, 1))
	if !TimedOut(err) {
		t.Errorf("TimedOut(%v) = false after an expired deadline", err)
	}
	if Disconnected(err) {
		t.Errorf("Disconnected(%v) = true for a timeout", err)
	}
	if TimedOut(io.EOF) || TimedOut(nil) {
		t.Error("TimedOut reported a non-timeout")
	}
}
