// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm applied to a packed block.
// The tag is the first byte of every packed block; the values are wire
// constants.
type CompressionTag uint8

const (
	// CompressionNone stores the block as is.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression. Cheap enough for every
	// transport frame.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level. Used for exports
	// and large sync batches, where ratio matters more than latency.
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag parses "none", "lz4" or "zstd".
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler so configuration files
// can name the algorithm.
func (tag CompressionTag) MarshalText() ([]byte, error) {
	return []byte(tag.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tag *CompressionTag) UnmarshalText(text []byte) error {
	parsed, err := ParseCompressionTag(string(text))
	if err != nil {
		return err
	}
	*tag = parsed
	return nil
}

// ErrBlockTooLarge is returned by Unpack when the declared size of a
// block exceeds the caller's limit.
var ErrBlockTooLarge = errors.New("codec: packed block exceeds size limit")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Pack compresses data with tag and prefixes it with a header of the
// tag byte and the uncompressed length as a uvarint. When compression
// does not shrink the data the block is stored with CompressionNone,
// so a packed block is never much larger than its input.
func Pack(data []byte, tag CompressionTag) ([]byte, error) {
	var body []byte
	switch tag {
	case CompressionNone:
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written > 0 && written < len(data) {
			body = destination[:written]
		}
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			body = compressed
		}
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
	if body == nil {
		tag = CompressionNone
		body = data
	}

	header := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	header[0] = byte(tag)
	header = binary.AppendUvarint(header, uint64(len(data)))
	return append(header, body...), nil
}

// Unpack reverses Pack. limit bounds the declared uncompressed size so
// a hostile peer cannot make the receiver allocate without bound; zero
// means no limit.
func Unpack(block []byte, limit int) ([]byte, error) {
	if len(block) < 2 {
		return nil, errors.New("codec: packed block too short")
	}
	tag := CompressionTag(block[0])
	size, headerLength := binary.Uvarint(block[1:])
	if headerLength <= 0 {
		return nil, errors.New("codec: malformed packed block length")
	}
	if limit > 0 && size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, limit)
	}
	body := block[1+headerLength:]

	switch tag {
	case CompressionNone:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("codec: stored block is %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(result)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}
