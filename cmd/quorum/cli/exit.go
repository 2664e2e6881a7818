// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/quorum/lib/fault"
)

// ExitError signals a non-zero exit code without printing an extra
// error message. The command is expected to have already written its
// own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// ExitStatus maps err to the process exit status and reports whether
// the error still needs printing. nil exits 0. An ExitError exits with
// its code silently. Any other error exits with the status of its
// fault kind; unclassified errors count as internal.
func ExitStatus(err error) (code int, report bool) {
	if err == nil {
		return 0, false
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code, false
	}
	return fault.KindOf(err).ExitCode(), true
}
