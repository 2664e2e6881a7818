// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/secret"
)

const (
	deviceKeyFile = "device.age"
	identityFile  = "identity.txt"
)

// ErrNoDeviceKey is returned by Load when the directory holds no key.
var ErrNoDeviceKey = fault.Invalid("no device key; run 'quorum init' first")

// Store keeps a node's device signing key sealed on disk.
//
// The key file is age-encrypted either to a passphrase (scrypt) or, if
// no passphrase is configured, to an X25519 identity stored beside it
// with mode 0600. The second mode protects against copying the key
// file alone, not against an attacker who can read the whole directory.
type Store struct {
	// Dir is the key directory, created with mode 0700 on first write.
	Dir string

	// Passphrase, when set, selects scrypt sealing.
	Passphrase string

	// WorkFactor is the scrypt work factor (log2 of N). Zero keeps
	// age's default.
	WorkFactor int
}

// DeviceKey is a loaded device key. Close releases the private half.
type DeviceKey struct {
	Device ident.DeviceID
	Public ed25519.PublicKey
	Key    *secret.SigningKey
}

// Close releases the protected memory holding the private key.
func (k *DeviceKey) Close() error {
	return k.Key.Close()
}

// DeviceIDFor derives a device id from its public key, so the id is
// bound to the key and cannot be claimed by another key.
func DeviceIDFor(public ed25519.PublicKey) ident.DeviceID {
	return ident.Derive[ident.Device]("ed25519", public)
}

// sealedKey is the plaintext inside the age envelope.
type sealedKey struct {
	Device ident.DeviceID `cbor:"1,keyasint"`
	Seed   []byte         `cbor:"2,keyasint"`
}

// Generate creates a new device key from random, seals it and writes
// it atomically. It refuses to overwrite an existing key.
func (s *Store) Generate(random io.Reader) (*DeviceKey, error) {
	if _, err := os.Stat(filepath.Join(s.Dir, deviceKeyFile)); err == nil {
		return nil, fault.Invalid("device key already exists in %s", s.Dir)
	}
	public, private, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, fault.Internal("generating device key: %v", err)
	}
	device := DeviceIDFor(public)

	plaintext, err := codec.Marshal(sealedKey{Device: device, Seed: private.Seed()})
	if err != nil {
		return nil, fault.Serialization("encoding device key: %v", err)
	}
	defer secret.Zero(plaintext)

	recipient, err := s.recipient()
	if err != nil {
		return nil, err
	}
	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return nil, fault.Crypto("creating age encryptor: %v", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fault.Crypto("sealing device key: %v", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fault.Crypto("finalizing device key seal: %v", err)
	}
	if err := WriteFileAtomic(filepath.Join(s.Dir, deviceKeyFile), sealed.Bytes(), 0o600); err != nil {
		return nil, err
	}

	key, err := secret.NewSigningKey(private)
	if err != nil {
		return nil, fault.Internal("protecting device key: %v", err)
	}
	return &DeviceKey{Device: device, Public: public, Key: key}, nil
}

// Load unseals the device key.
func (s *Store) Load() (*DeviceKey, error) {
	sealed, err := os.ReadFile(filepath.Join(s.Dir, deviceKeyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoDeviceKey
	}
	if err != nil {
		return nil, fault.Storage("reading device key: %v", err)
	}
	identity, err := s.identity()
	if err != nil {
		return nil, err
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fault.Crypto("unsealing device key: %v", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fault.Crypto("reading unsealed device key: %v", err)
	}
	defer secret.Zero(plaintext)

	var decoded sealedKey
	if err := codec.Unmarshal(plaintext, &decoded); err != nil {
		return nil, fault.Serialization("decoding device key: %v", err)
	}
	if len(decoded.Seed) != ed25519.SeedSize {
		return nil, fault.Invalid("device key seed is %d bytes", len(decoded.Seed))
	}
	private := ed25519.NewKeyFromSeed(decoded.Seed)
	secret.Zero(decoded.Seed)
	public := private.Public().(ed25519.PublicKey)
	if DeviceIDFor(public) != decoded.Device {
		return nil, fault.Crypto("device key does not match its recorded id")
	}
	key, err := secret.NewSigningKey(private)
	if err != nil {
		return nil, fault.Internal("protecting device key: %v", err)
	}
	return &DeviceKey{Device: decoded.Device, Public: public, Key: key}, nil
}

// LoadOrGenerate loads the key, generating one on first run.
func (s *Store) LoadOrGenerate(random io.Reader) (*DeviceKey, error) {
	key, err := s.Load()
	if errors.Is(err, ErrNoDeviceKey) {
		return s.Generate(random)
	}
	return key, err
}

func (s *Store) recipient() (age.Recipient, error) {
	if s.Passphrase != "" {
		recipient, err := age.NewScryptRecipient(s.Passphrase)
		if err != nil {
			return nil, fault.Crypto("passphrase recipient: %v", err)
		}
		if s.WorkFactor > 0 {
			recipient.SetWorkFactor(s.WorkFactor)
		}
		return recipient, nil
	}
	path := filepath.Join(s.Dir, identityFile)
	if data, err := os.ReadFile(path); err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fault.Crypto("parsing %s: %v", path, err)
		}
		return identity.Recipient(), nil
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fault.Crypto("generating sealing identity: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, err
	}
	return identity.Recipient(), nil
}

func (s *Store) identity() (age.Identity, error) {
	if s.Passphrase != "" {
		identity, err := age.NewScryptIdentity(s.Passphrase)
		if err != nil {
			return nil, fault.Crypto("passphrase identity: %v", err)
		}
		return identity, nil
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, identityFile))
	if err != nil {
		return nil, fault.Storage("reading sealing identity: %v", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fault.Crypto("parsing sealing identity: %v", err)
	}
	return identity, nil
}

// WriteFileAtomic writes data to path through a temporary file, fsyncs
// it, renames it into place and fsyncs the directory, so readers see
// either the old content or the new, never a torn write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fault.Storage("creating %s: %v", filepath.Dir(path), err)
	}
	temporary := path + ".tmp"
	file, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fault.Storage("creating %s: %v", temporary, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporary)
		return fault.Storage("writing %s: %v", temporary, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporary)
		return fault.Storage("syncing %s: %v", temporary, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporary)
		return fault.Storage("closing %s: %v", temporary, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fault.Storage("renaming %s into place: %v", path, err)
	}
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// String describes the sealing mode, for logs.
func (s *Store) String() string {
	mode := "identity"
	if s.Passphrase != "" {
		mode = "passphrase"
	}
	return fmt.Sprintf("keystore(%s, %s)", s.Dir, mode)
}
