// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	build := Current()
	if build.Version != Version || build.Protocol != Protocol || build.Go == "" {
		t.Fatalf("Current() = %+v", build)
	}
	if !strings.HasPrefix(build.String(), Version+" (") {
		t.Errorf("String() = %q, missing version", build.String())
	}
}

func TestBuildString(t *testing.T) {
	build := Build{Version: "1.2.0", Commit: "3f2a9c1e55d0", Modified: true, Protocol: 2, MinProtocol: 1}
	if got, want := build.String(), "1.2.0 (3f2a9c1e-dirty, protocol 1-2)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := (Build{Version: "1.2.0", Protocol: 1, MinProtocol: 1}).String(); !strings.Contains(got, "unknown commit") {
		t.Errorf("String() without a commit = %q", got)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name          string
		local, remote Hello
		want          uint16
		wantErr       bool
	}{
		{"same", Hello{Protocol: 1, MinProtocol: 1}, Hello{Protocol: 1, MinProtocol: 1}, 1, false},
		{"newer peer", Hello{Protocol: 2, MinProtocol: 1}, Hello{Protocol: 3, MinProtocol: 2}, 2, false},
		{"older peer", Hello{Protocol: 3, MinProtocol: 2}, Hello{Protocol: 2, MinProtocol: 1}, 2, false},
		{"disjoint", Hello{Protocol: 4, MinProtocol: 4}, Hello{Protocol: 2, MinProtocol: 1}, 0, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Negotiate(test.local, test.remote)
			if test.wantErr {
				if err == nil {
					t.Fatal("Negotiate succeeded on disjoint ranges")
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate: %v", err)
			}
			if got != test.want {
				t.Errorf("Negotiate = %d, want %d", got, test.want)
			}
		})
	}
}

func TestCheckPeerAcceptsSelf(t *testing.T) {
	if _, err := CheckPeer(Local()); err != nil {
		t.Fatalf("CheckPeer(Local()): %v", err)
	}
}
