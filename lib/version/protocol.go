// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "fmt"

// Protocol is the envelope version this build writes.
const Protocol uint16 = 1

// MinProtocol is the oldest envelope version this build still reads.
const MinProtocol uint16 = 1

// Hello is exchanged at the start of every transport connection.
type Hello struct {
	Protocol    uint16 `cbor:"1,keyasint"`
	MinProtocol uint16 `cbor:"2,keyasint"`
	Software    string `cbor:"3,keyasint"`
}

// Local returns this build's Hello.
func Local() Hello {
	return Hello{Protocol: Protocol, MinProtocol: MinProtocol, Software: Version}
}

// Negotiate returns the highest envelope version both sides can
// handle, or an error when their ranges do not overlap.
func Negotiate(local, remote Hello) (uint16, error) {
	high := min(local.Protocol, remote.Protocol)
	low := max(local.MinProtocol, remote.MinProtocol)
	if high < low {
		return 0, fmt.Errorf("no common protocol version: local %d-%d, peer %s speaks %d-%d",
			local.MinProtocol, local.Protocol, remote.Software, remote.MinProtocol, remote.Protocol)
	}
	return high, nil
}

// CheckPeer negotiates against this build.
func CheckPeer(remote Hello) (uint16, error) {
	return Negotiate(Local(), remote)
}
