// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/netutil"
	"github.com/bureau-foundation/quorum/lib/version"
)

// inboxSize bounds the frames received but not yet taken by Receive.
// A full inbox stalls the connections' readers, which pushes back on
// the senders through TCP.
const inboxSize = 1024

// Config configures a TCP network.
type Config struct {
	Signer effect.Signer

	// Listen is the address to accept peers on, such as
	// "127.0.0.1:7420" or ":0". Empty disables inbound connections.
	Listen string

	// Compression is applied to every outbound frame.
	Compression codec.CompressionTag

	// MaxFrame bounds one frame. Zero takes DefaultMaxFrame.
	MaxFrame int

	// Dialer opens outbound connections. Nil takes a TCPDialer with
	// a 10 second timeout.
	Dialer Dialer

	Logger *slog.Logger
}

// TCP implements effect.Network over authenticated TCP connections.
type TCP struct {
	signer      effect.Signer
	compression codec.CompressionTag
	maxFrame    int
	dialer      Dialer
	logger      *slog.Logger
	listener    net.Listener
	inbox       chan effect.Inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conns     map[ident.DeviceID]*peerConn
	addresses map[ident.DeviceID]string
}

var _ effect.Network = (*TCP)(nil)

// peerConn is one authenticated connection.
type peerConn struct {
	conn   net.Conn
	peer   ident.DeviceID
	dialer ident.DeviceID

	writeMu sync.Mutex
}

// Listen starts a TCP network. The network runs until Close.
func Listen(cfg Config) (*TCP, error) {
	if cfg.Signer == nil {
		return nil, fault.Invalid("transport needs a signer")
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &TCPDialer{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &TCP{
		signer:      cfg.Signer,
		compression: cfg.Compression,
		maxFrame:    cfg.MaxFrame,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger,
		inbox:       make(chan effect.Inbound, inboxSize),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[ident.DeviceID]*peerConn),
		addresses:   make(map[ident.DeviceID]string),
	}
	if cfg.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			cancel()
			return nil, fault.Wrapf(fault.KindNetwork, err, "listening on %s", cfg.Listen)
		}
		t.listener = listener
		t.wg.Add(1)
		go t.acceptLoop()
		t.logger.Info("transport listening", "address", listener.Addr().String())
	}
	return t, nil
}

func (t *TCP) Mode() effect.Mode { return effect.ModeProduction }

// Address returns the listening address in "host:port" form, or "" when
// the network does not accept inbound peers.
func (t *TCP) Address() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Error("accepting peer", "error", err)
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if _, err := t.handshake(conn, ident.DeviceID{}, false); err != nil {
				t.logger.Warn("inbound peer rejected", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// handshake authenticates conn and, on success, registers it and starts
// its reader. dialed reports whether this side opened the connection.
func (t *TCP) handshake(conn net.Conn, expected ident.DeviceID, dialed bool) (*peerConn, error) {
	conn.SetDeadline(time.Now().Add(authTimeout))
	identity, err := runPeerAuth(conn, t.signer, version.Local(), expected)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	pc := &peerConn{conn: conn, peer: identity.Device, dialer: identity.Device}
	if dialed {
		pc.dialer = t.signer.Device()
	}
	kept := t.register(pc)
	if kept != pc {
		conn.Close()
		return kept, nil
	}
	t.logger.Info("peer connected",
		"peer", identity.Device.Short(),
		"remote", conn.RemoteAddr().String(),
		"protocol", identity.Protocol,
	)
	t.wg.Add(1)
	go t.readLoop(pc)
	return pc, nil
}

// register installs pc unless a connection to the same peer already
// exists that wins the tie-break, and returns the connection in use.
// The connection dialed by the smaller device id wins.
func (t *TCP) register(pc *peerConn) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.conns[pc.peer]
	if ok && ident.Compare(existing.dialer, pc.dialer) < 0 {
		return existing
	}
	t.conns[pc.peer] = pc
	if ok {
		existing.conn.Close()
	}
	return pc
}

func (t *TCP) unregister(pc *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[pc.peer] == pc {
		delete(t.conns, pc.peer)
	}
}

func (t *TCP) readLoop(pc *peerConn) {
	defer t.wg.Done()
	defer t.unregister(pc)
	defer pc.conn.Close()
	for {
		frame, err := readPacked(pc.conn, t.maxFrame)
		if err != nil {
			switch {
			case t.ctx.Err() != nil:
			case netutil.Disconnected(err):
				t.logger.Info("peer disconnected", "peer", pc.peer.Short())
			default:
				t.logger.Warn("peer connection failed", "peer", pc.peer.Short(), "error", err)
			}
			return
		}
		select {
		case t.inbox <- effect.Inbound{From: pc.peer, Frame: frame}:
		case <-t.ctx.Done():
			return
		}
	}
}

// Connect dials peer at address unless a connection exists. An empty
// address reuses the address last given for peer.
func (t *TCP) Connect(ctx context.Context, peer ident.DeviceID, address string) error {
	t.mu.Lock()
	if address != "" {
		t.addresses[peer] = address
	} else {
		address = t.addresses[peer]
	}
	_, connected := t.conns[peer]
	t.mu.Unlock()
	if connected {
		return nil
	}
	if address == "" {
		return fault.Network("no address for peer %s", peer.Short())
	}
	_, err := t.dial(ctx, peer, address)
	return err
}

func (t *TCP) dial(ctx context.Context, peer ident.DeviceID, address string) (*peerConn, error) {
	conn, err := t.dialer.DialContext(ctx, address)
	if err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, err, "dialing %s at %s", peer.Short(), address)
	}
	pc, err := t.handshake(conn, peer, true)
	if err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, err, "authenticating %s", peer.Short())
	}
	return pc, nil
}

// connection returns the connection to peer, dialing its known address
// when there is none.
func (t *TCP) connection(ctx context.Context, peer ident.DeviceID) (*peerConn, error) {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	address := t.addresses[peer]
	t.mu.Unlock()
	if ok {
		return pc, nil
	}
	if address == "" {
		return nil, fault.Network("peer %s is not connected", peer.Short())
	}
	return t.dial(ctx, peer, address)
}

// Send writes frame to peer, dialing first when needed. A failed write
// drops the connection; the error is retriable.
func (t *TCP) Send(ctx context.Context, peer ident.DeviceID, frame []byte) error {
	pc, err := t.connection(ctx, peer)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetWriteDeadline(deadline)
	} else {
		pc.conn.SetWriteDeadline(time.Time{})
	}
	err = writePacked(pc.conn, frame, t.compression, t.maxFrame)
	pc.writeMu.Unlock()
	if err != nil {
		t.unregister(pc)
		pc.conn.Close()
		return fault.Wrapf(fault.KindNetwork, err, "sending to %s", peer.Short())
	}
	return nil
}

func (t *TCP) Broadcast(ctx context.Context, peers []ident.DeviceID, frame []byte) error {
	var errs []error
	for _, peer := range peers {
		if err := t.Send(ctx, peer, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receive blocks for the next frame from any peer.
func (t *TCP) Receive(ctx context.Context) (effect.Inbound, error) {
	select {
	case inbound := <-t.inbox:
		return inbound, nil
	case <-ctx.Done():
		return effect.Inbound{}, ctx.Err()
	case <-t.ctx.Done():
		return effect.Inbound{}, fault.Network("transport closed")
	}
}

// Disconnect closes the connection to peer and forgets its address.
func (t *TCP) Disconnect(_ context.Context, peer ident.DeviceID) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	delete(t.conns, peer)
	delete(t.addresses, peer)
	t.mu.Unlock()
	if ok {
		return pc.conn.Close()
	}
	return nil
}

// Peers returns the connected peers, sorted.
func (t *TCP) Peers() []ident.DeviceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.SortedFunc(maps.Keys(t.conns), ident.Compare[ident.Device])
}

// Close stops accepting, closes every connection and waits for the
// readers to exit.
func (t *TCP) Close() error {
	t.cancel()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Lock()
	for _, pc := range t.conns {
		pc.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return err
}
