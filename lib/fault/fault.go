// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to retry,
// fix their input, or give up, without parsing message text.
type Kind string

const (
	// KindInvalid: malformed input, schema violation, unknown
	// identifier. Fix the input.
	KindInvalid Kind = "invalid"

	// KindSerialization: an encode or decode failed.
	KindSerialization Kind = "serialization"

	// KindCrypto: a signature or verification failed, or keys do not
	// match. Never retried.
	KindCrypto Kind = "crypto"

	// KindStorage: the KV backend failed or a quota was exceeded.
	// Retriable by default.
	KindStorage Kind = "storage"

	// KindNetwork: timeout, unreachable peer, protocol violation.
	// Retriable by default.
	KindNetwork Kind = "network"

	// KindAuthorization: capability denied, flow budget exhausted,
	// policy denial. Never retried.
	KindAuthorization Kind = "authorization"

	// KindCoordination: a ceremony aborted, a participant misbehaved
	// or was missing, or an operation was reverted.
	KindCoordination Kind = "coordination"

	// KindInternal: a broken invariant. A bug.
	KindInternal Kind = "internal"
)

// ExitCode maps a kind to the process exit status used by the CLI.
// Each kind has its own code so scripts can branch on the failure class.
func (k Kind) ExitCode() int {
	switch k {
	case KindInvalid:
		return 2
	case KindSerialization:
		return 3
	case KindCrypto:
		return 4
	case KindStorage:
		return 5
	case KindNetwork:
		return 6
	case KindAuthorization:
		return 7
	case KindCoordination:
		return 8
	default:
		return 9
	}
}

// retriableByDefault reports whether errors of this kind are retried
// when the error does not say otherwise.
func (k Kind) retriableByDefault() bool {
	return k == KindNetwork || k == KindStorage
}

// Error is the single error type surfaced by every layer. Handlers
// create it with the narrow cause; higher layers add context with
// fmt.Errorf("...: %w", err), which keeps the Kind reachable through
// errors.As.
type Error struct {
	Kind Kind

	// Err carries the human-readable message and any wrapped cause.
	Err error

	// retriable overrides the kind's default when set.
	retriable *bool
}

func (e *Error) Error() string { return e.Err.Error() }

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether retrying the operation may succeed.
func (e *Error) Retriable() bool {
	if e.retriable != nil {
		return *e.retriable
	}
	return e.Kind.retriableByDefault()
}

// ExitCode lets cmd/quorum map the error to its exit status.
func (e *Error) ExitCode() int { return e.Kind.ExitCode() }

// Is matches another *Error with the same kind and message, so
// package-level sentinels work with errors.Is after wrapping.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Err.Error() == e.Err.Error()
}

// WithRetriable returns a copy of e with an explicit retry posture.
func (e *Error) WithRetriable(retriable bool) *Error {
	clone := *e
	clone.retriable = &retriable
	return &clone
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Invalid creates a KindInvalid error.
func Invalid(format string, args ...any) *Error { return newf(KindInvalid, format, args...) }

// Serialization creates a KindSerialization error.
func Serialization(format string, args ...any) *Error {
	return newf(KindSerialization, format, args...)
}

// Crypto creates a KindCrypto error.
func Crypto(format string, args ...any) *Error { return newf(KindCrypto, format, args...) }

// Storage creates a KindStorage error.
func Storage(format string, args ...any) *Error { return newf(KindStorage, format, args...) }

// Network creates a KindNetwork error.
func Network(format string, args ...any) *Error { return newf(KindNetwork, format, args...) }

// Authorization creates a KindAuthorization error.
func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

// Coordination creates a KindCoordination error.
func Coordination(format string, args ...any) *Error {
	return newf(KindCoordination, format, args...)
}

// Internal creates a KindInternal error.
func Internal(format string, args ...any) *Error { return newf(KindInternal, format, args...) }

// Wrap classifies err as kind. If err already carries a kind, that
// kind wins: the narrow cause found by the handler is never replaced
// by a broader classification further up. Returns nil for nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf is Wrap with a context message: Wrapf(k, err, "loading %s", key)
// yields "loading key: <err>".
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf(format+": %w", append(args, err)...)
	var existing *Error
	if errors.As(err, &existing) {
		return wrapped
	}
	return &Error{Kind: kind, Err: wrapped}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetriable reports whether err may succeed on retry. Unclassified
// errors are not retried.
func IsRetriable(err error) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Retriable()
	}
	return false
}

// Record is the structured form of an error handed to user
// interfaces, which decide presentation themselves.
type Record struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// ToRecord converts err into a Record.
func ToRecord(err error) Record {
	if err == nil {
		return Record{}
	}
	return Record{Kind: KindOf(err), Message: err.Error(), Retriable: IsRetriable(err)}
}
