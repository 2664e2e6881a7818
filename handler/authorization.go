// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/ed25519"
	"io"
	"time"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/clock"
)

// Authorization implements effect.Authorization with attenuable
// capability tokens and an in-memory revocation list.
type Authorization struct {
	mode    effect.Mode
	clock   clock.Clock
	random  io.Reader
	revoked *capability.RevocationList
}

var _ effect.Authorization = (*Authorization)(nil)

// NewAuthorization returns a handler checking expiry against clk.
func NewAuthorization(mode effect.Mode, clk clock.Clock, random io.Reader, revoked *capability.RevocationList) *Authorization {
	if revoked == nil {
		revoked = capability.NewRevocationList()
	}
	return &Authorization{mode: mode, clock: clk, random: random, revoked: revoked}
}

func (a *Authorization) Mode() effect.Mode { return a.mode }

// VerifyCapability checks token against the issuer root and request.
func (a *Authorization) VerifyCapability(ctx context.Context, root ed25519.PublicKey, token []byte, request capability.Request) (capability.Result, error) {
	if err := ctx.Err(); err != nil {
		return capability.Result{}, err
	}
	verifier := capability.Verifier{Root: root, Revoked: a.revoked}
	return verifier.Verify(token, request, a.clock.Now())
}

// DelegateCapability appends an attenuating block to token.
func (a *Authorization) DelegateCapability(ctx context.Context, token []byte, block capability.Block) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return capability.Attenuate(token, a.random, block)
}

// RevokeCapability revokes token and every attenuation of it until
// expiresAt, after which Cleanup may forget it.
func (a *Authorization) RevokeCapability(ctx context.Context, token []byte, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := capability.ID(token)
	if err != nil {
		return err
	}
	a.revoked.Revoke(id, expiresAt)
	return nil
}

// Cleanup drops revocations whose tokens have expired.
func (a *Authorization) Cleanup() int {
	return a.revoked.Cleanup(a.clock.Now())
}

// Revoked returns the number of tokens currently revoked.
func (a *Authorization) Revoked() int { return a.revoked.Len() }
