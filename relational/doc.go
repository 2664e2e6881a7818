// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relational holds the binding types reduced inside contexts:
// channel epochs, guardian grants, invitations, contacts and
// moderation flags. Each type has a payload carried in Relational facts
// and a delta that joins as a semilattice; [Descriptors] registers
// them all with a fact.Registry.
//
// Channel epoch state also drives message sealing: nonces derive from
// the channel epoch and the ratchet generation, and the ciphertext is
// sealed with XChaCha20-Poly1305 through the crypto effect.
package relational
