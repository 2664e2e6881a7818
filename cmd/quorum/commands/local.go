// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
	"github.com/bureau-foundation/quorum/handler"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/keystore"
	"github.com/bureau-foundation/quorum/node"
	"github.com/bureau-foundation/quorum/transport"
)

// pollInterval paces the commands that wait for state another device
// drives, such as an enrollment.
const pollInterval = 250 * time.Millisecond

// nodeFlags are the flags every command that opens the device shares.
type nodeFlags struct {
	DataDir        string
	PassphraseFile string
	Verbose        bool
}

func (f *nodeFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.DataDir, "data-dir", "", "data directory (default $"+config.DataDirEnv+" or the XDG data home)")
	flagSet.StringVar(&f.PassphraseFile, "passphrase-file", "", "file holding the passphrase that seals the device key")
	flagSet.BoolVarP(&f.Verbose, "verbose", "v", false, "log at debug level")
}

func (f *nodeFlags) passphrase() (string, error) {
	if f.PassphraseFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(f.PassphraseFile)
	if err != nil {
		return "", fault.Invalid("reading passphrase: %v", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// openOptions selects how a command opens the device.
type openOptions struct {
	// Listen accepts peers on this address. Empty dials out only.
	Listen string

	// Generate creates the device key when there is none.
	Generate bool
}

// local is an opened device: its configuration, key, network and node.
type local struct {
	cfg     *config.Config
	logger  *slog.Logger
	key     *keystore.DeviceKey
	network *transport.TCP
	runtime *handler.Runtime
	node    *node.Node
}

// open loads the configuration and the device key, starts the network
// and assembles the node. Close releases all of it.
func (f *nodeFlags) open(ctx context.Context, options openOptions) (*local, error) {
	cfg, err := config.Load(f.DataDir)
	if err != nil {
		return nil, err
	}
	return f.openWith(ctx, cfg, options)
}

// openListening opens the device accepting peers on listen, or on the
// configured address when listen is empty.
func (f *nodeFlags) openListening(ctx context.Context, listen string) (*local, error) {
	cfg, err := config.Load(f.DataDir)
	if err != nil {
		return nil, err
	}
	if listen == "" {
		listen = cfg.Network.Listen
	}
	return f.openWith(ctx, cfg, openOptions{Listen: listen})
}

func (f *nodeFlags) openWith(ctx context.Context, cfg *config.Config, options openOptions) (*local, error) {
	logger := cli.NewCommandLogger(f.Verbose)
	passphrase, err := f.passphrase()
	if err != nil {
		return nil, err
	}
	store := &keystore.Store{Dir: cfg.KeyDir(), Passphrase: passphrase}
	var key *keystore.DeviceKey
	if options.Generate {
		key, err = store.LoadOrGenerate(rand.Reader)
	} else {
		key, err = store.Load()
	}
	if err != nil {
		return nil, err
	}

	l := &local{cfg: cfg, logger: logger, key: key}
	l.network, err = transport.Listen(transport.Config{
		Signer:      handler.DeviceKeySigner(key),
		Listen:      options.Listen,
		Compression: cfg.Transport.Compression,
		MaxFrame:    cfg.Transport.MaxFrame,
		Logger:      logger,
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	l.runtime, err = handler.ForProduction(cfg, key, l.network, logger)
	if err != nil {
		l.Close()
		return nil, err
	}
	l.node, err = node.New(ctx, node.Config{Runtime: l.runtime, Settings: cfg, Logger: logger})
	if err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close releases everything open returned, in reverse order.
func (l *local) Close() error {
	var errs []error
	if l.node != nil {
		l.node.Close()
	}
	if l.runtime != nil {
		errs = append(errs, l.runtime.Close())
	}
	if l.network != nil {
		errs = append(errs, l.network.Close())
	}
	if l.key != nil {
		errs = append(errs, l.key.Close())
	}
	return errors.Join(errs...)
}

// connectPeers dials every peer named in the configuration. A peer
// that cannot be reached is logged and skipped; sync retries it.
func (l *local) connectPeers(ctx context.Context) {
	for _, text := range slices.Sorted(maps.Keys(l.cfg.Network.Peers)) {
		address := l.cfg.Network.Peers[text]
		peer, err := ident.Parse[ident.Device](text)
		if err != nil {
			l.logger.Warn("skipping configured peer", "peer", text, "error", err)
			continue
		}
		if peer == l.node.Device() {
			continue
		}
		if err := l.network.Connect(ctx, peer, address); err != nil {
			l.logger.Warn("peer unreachable", "peer", peer.Short(), "address", address, "error", err)
		}
	}
}

// serveInBackground runs the node until the returned stop is called.
// Commands that wait on a ceremony or an invitation need frames to
// keep flowing meanwhile.
func (l *local) serveInBackground(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.node.Serve(ctx); err != nil {
			l.logger.Error("node stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
