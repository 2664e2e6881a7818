// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

func listen(t *testing.T, signer *testSigner, compression codec.CompressionTag) *TCP {
	t.Helper()
	network, err := Listen(Config{Signer: signer, Listen: "127.0.0.1:0", Compression: compression})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { network.Close() })
	return network
}

func receive(t *testing.T, network *TCP) (ident.DeviceID, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inbound, err := network.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return inbound.From, inbound.Frame
}

func TestTCP_Address(t *testing.T) {
	network := listen(t, newTestSigner(t), codec.CompressionNone)
	if address := network.Address(); !strings.Contains(address, ":") {
		t.Errorf("Address() = %q, expected host:port format", address)
	}
	outbound, err := Listen(Config{Signer: newTestSigner(t)})
	if err != nil {
		t.Fatalf("Listen without address: %v", err)
	}
	defer outbound.Close()
	if outbound.Address() != "" {
		t.Errorf("outbound-only network reports address %q", outbound.Address())
	}
}

func TestTCP_RoundTrip(t *testing.T) {
	for _, compression := range []codec.CompressionTag{codec.CompressionNone, codec.CompressionLZ4, codec.CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			alphaSigner, betaSigner := newTestSigner(t), newTestSigner(t)
			alpha := listen(t, alphaSigner, compression)
			beta := listen(t, betaSigner, compression)
			ctx := context.Background()

			if err := alpha.Connect(ctx, betaSigner.Device(), beta.Address()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			frame := bytes.Repeat([]byte("session frame "), 200)
			if err := alpha.Send(ctx, betaSigner.Device(), frame); err != nil {
				t.Fatalf("Send: %v", err)
			}
			from, got := receive(t, beta)
			if from != alphaSigner.Device() || !bytes.Equal(got, frame) {
				t.Fatalf("beta received %d bytes from %s", len(got), from.Short())
			}

			// The reply rides the connection alpha opened.
			if !slices.Contains(beta.Peers(), alphaSigner.Device()) {
				t.Fatalf("beta peers = %v, want alpha", beta.Peers())
			}
			if err := beta.Send(ctx, alphaSigner.Device(), []byte("reply")); err != nil {
				t.Fatalf("reply: %v", err)
			}
			if from, got := receive(t, alpha); from != betaSigner.Device() || string(got) != "reply" {
				t.Errorf("alpha received %q from %s", got, from.Short())
			}
		})
	}
}

func TestTCP_SendToUnknownPeer(t *testing.T) {
	alpha := listen(t, newTestSigner(t), codec.CompressionNone)
	err := alpha.Send(context.Background(), newTestSigner(t).Device(), []byte("hello"))
	if !fault.IsKind(err, fault.KindNetwork) || !fault.IsRetriable(err) {
		t.Errorf("Send to unknown peer = %v, want a retriable network fault", err)
	}
	if err := alpha.Connect(context.Background(), newTestSigner(t).Device(), ""); err == nil {
		t.Error("Connect without an address succeeded")
	}
}

func TestTCP_ConnectRefusesImpostor(t *testing.T) {
	alpha := listen(t, newTestSigner(t), codec.CompressionNone)
	beta := listen(t, newTestSigner(t), codec.CompressionNone)
	expected := newTestSigner(t).Device()

	err := alpha.Connect(context.Background(), expected, beta.Address())
	if err == nil {
		t.Fatal("Connect accepted a listener with another identity")
	}
	if len(alpha.Peers()) != 0 {
		t.Errorf("alpha registered %v after a failed handshake", alpha.Peers())
	}
}

func TestTCP_DisconnectForgetsPeer(t *testing.T) {
	alphaSigner, betaSigner := newTestSigner(t), newTestSigner(t)
	alpha := listen(t, alphaSigner, codec.CompressionNone)
	beta := listen(t, betaSigner, codec.CompressionNone)
	ctx := context.Background()
	if err := alpha.Connect(ctx, betaSigner.Device(), beta.Address()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := alpha.Disconnect(ctx, betaSigner.Device()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(alpha.Peers()) != 0 {
		t.Errorf("peers after disconnect = %v", alpha.Peers())
	}
	if err := alpha.Send(ctx, betaSigner.Device(), []byte("x")); !fault.IsKind(err, fault.KindNetwork) {
		t.Errorf("Send after disconnect = %v", err)
	}
}

func TestTCP_ReceiveAfterClose(t *testing.T) {
	network, err := Listen(Config{Signer: newTestSigner(t), Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	network.Close()
	if _, err := network.Receive(context.Background()); !fault.IsKind(err, fault.KindNetwork) {
		t.Errorf("Receive after Close = %v", err)
	}
}

func TestTCPDialer_ConnectionRefused(t *testing.T) {
	dialer := &TCPDialer{Timeout: time.Second}
	// Port 1 is almost certainly not listening.
	if _, err := dialer.DialContext(context.Background(), "127.0.0.1:1"); err == nil {
		t.Error("expected error connecting to non-listening port")
	}
}

func TestTCPDialer_ContextCancellation(t *testing.T) {
	dialer := &TCPDialer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dialer.DialContext(ctx, "127.0.0.1:1"); err == nil {
		t.Error("expected error with cancelled context")
	}
}

func TestFrameLimits(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeFrame(&buffer, make([]byte, 10), 8); err == nil {
		t.Error("writeFrame accepted an oversized payload")
	}
	if err := writePacked(&buffer, bytes.Repeat([]byte{7}, 4096), codec.CompressionLZ4, DefaultMaxFrame); err != nil {
		t.Fatalf("writePacked: %v", err)
	}
	if _, err := readPacked(bytes.NewReader(buffer.Bytes()), 1024); err == nil {
		t.Error("readPacked decompressed beyond its limit")
	}
	got, err := readPacked(bytes.NewReader(buffer.Bytes()), DefaultMaxFrame)
	if err != nil || len(got) != 4096 {
		t.Fatalf("readPacked = %d bytes, %v", len(got), err)
	}

	// A header announcing more than the limit fails before the body.
	if _, err := readFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), DefaultMaxFrame); err == nil {
		t.Error("readFrame accepted an oversized header")
	}
}
