// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"log/slog"

	"github.com/bureau-foundation/quorum/effect"
)

// Console implements effect.Console with a slog logger.
type Console struct {
	mode   effect.Mode
	logger *slog.Logger
}

var _ effect.Console = (*Console)(nil)

// NewConsole returns a console logging to logger, or discarding when
// logger is nil.
func NewConsole(mode effect.Mode, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Console{mode: mode, logger: logger}
}

func (c *Console) Mode() effect.Mode    { return c.mode }
func (c *Console) Logger() *slog.Logger { return c.logger }
