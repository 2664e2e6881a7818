// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/kvstore"
)

// Storage implements effect.Storage by delegating to a kvstore backend.
type Storage struct {
	kvstore.Store
	mode effect.Mode
}

var _ effect.Storage = (*Storage)(nil)

// NewStorage wraps store for mode.
func NewStorage(mode effect.Mode, store kvstore.Store) *Storage {
	return &Storage{Store: store, mode: mode}
}

func (s *Storage) Mode() effect.Mode { return s.mode }
