// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/quorum/lib/codec"
)

// DefaultMaxFrame bounds the size of one frame, on the wire and after
// decompression, when the configuration names no limit.
const DefaultMaxFrame = 16 << 20

// writeFrame writes payload behind its 4-byte big-endian length.
func writeFrame(w io.Writer, payload []byte, limit int) error {
	if len(payload) > limit {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(payload), limit)
	}
	buffer := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buffer, uint32(len(payload)))
	copy(buffer[4:], payload)
	_, err := w.Write(buffer)
	return err
}

// readFrame reads one length-prefixed payload. A declared length over
// limit fails without reading the body.
func readFrame(r io.Reader, limit int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("peer announced a %d byte frame, limit is %d", size, limit)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writePacked compresses data with tag and writes it as one frame.
func writePacked(w io.Writer, data []byte, tag codec.CompressionTag, limit int) error {
	packed, err := codec.Pack(data, tag)
	if err != nil {
		return err
	}
	return writeFrame(w, packed, limit)
}

// readPacked reads one frame and decompresses it.
func readPacked(r io.Reader, limit int) ([]byte, error) {
	payload, err := readFrame(r, limit)
	if err != nil {
		return nil, err
	}
	return codec.Unpack(payload, limit)
}
