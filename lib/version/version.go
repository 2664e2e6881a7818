// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags -X at build time. An empty Commit or BuildTime
// falls back to the VCS stamp the Go toolchain embeds.
var (
	Version   = "0.1.0-dev"
	Commit    = ""
	BuildTime = ""
)

// Build describes the running binary.
type Build struct {
	Version     string `json:"version"`
	Commit      string `json:"commit,omitempty"`
	Modified    bool   `json:"modified,omitempty"`
	BuildTime   string `json:"build_time,omitempty"`
	Go          string `json:"go"`
	Platform    string `json:"platform"`
	Protocol    uint16 `json:"protocol"`
	MinProtocol uint16 `json:"min_protocol"`
}

// Current returns the metadata of this binary.
func Current() Build {
	build := Build{
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		Go:          runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		Protocol:    Protocol,
		MinProtocol: MinProtocol,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return build
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if build.Commit == "" {
				build.Commit = setting.Value
			}
		case "vcs.time":
			if build.BuildTime == "" {
				build.BuildTime = setting.Value
			}
		case "vcs.modified":
			build.Modified = setting.Value == "true"
		}
	}
	return build
}

// String is the one-line form, e.g. "0.1.0-dev (3f2a9c1e-dirty, protocol 1-1)".
func (b Build) String() string {
	commit := b.Commit
	if commit == "" {
		commit = "unknown commit"
	} else if len(commit) > 8 {
		commit = commit[:8]
	}
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, protocol %d-%d)", b.Version, commit, b.MinProtocol, b.Protocol)
}
