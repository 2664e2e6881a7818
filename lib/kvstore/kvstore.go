// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"

	"github.com/bureau-foundation/quorum/lib/fault"
)

// Store is a blob store keyed by string.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error

	// Get returns ok=false for a missing key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Scan returns the entries whose key starts with prefix, sorted.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Batch applies every op or none.
	Batch(ctx context.Context, ops []BatchOp) error

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Entry is one key and its value.
type Entry struct {
	Key   string
	Value []byte
}

// BatchOp is a put, or a delete when Delete is set.
type BatchOp struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put returns a put operation.
func Put(key string, value []byte) BatchOp { return BatchOp{Key: key, Value: value} }

// Delete returns a delete operation.
func Delete(key string) BatchOp { return BatchOp{Key: key, Delete: true} }

// Stats summarizes a store.
type Stats struct {
	Keys  int   `json:"keys"`
	Bytes int64 `json:"bytes"`
}

// ErrClosed is returned by every method after Close.
var ErrClosed = fault.Storage("kvstore: store is closed").WithRetriable(false)

func validateKey(key string) error {
	if key == "" {
		return fault.Invalid("kvstore: empty key")
	}
	return nil
}

// prefixEnd returns the smallest string greater than every string
// with the given prefix, or "" when no such bound exists.
func prefixEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return ""
}
