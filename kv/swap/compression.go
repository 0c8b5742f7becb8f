//  Copyright (c) 2011-present, Facebook, Inc.  All rights reserved.
//  This source code is licensed under both the GPLv2 (found in the
//  COPYING file in the root directory) and Apache 2.0 License
//  (found in the LICENSE.Apache file in the root directory).
//
// Copyright (c) 2011 The LevelDB Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file. See the AUTHORS file for names of contributors.

package swap

import (
	"encoding/binary"
	"math"

	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"
)

var ErrDecompress = errors.New("swap: error during decompress")

type CompressionType uint8

const (
	CompressionNone CompressionType = 0x0
	CompressionLz4  CompressionType = 0x4
)

func ParseCompression(name string) (CompressionType, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLz4, nil
	}
	return CompressionNone, errors.Errorf("swap: unknown compression %q", name)
}

func (tp CompressionType) String() string {
	switch tp {
	case CompressionNone:
		return "none"
	case CompressionLz4:
		return "lz4"
	}
	return "unknown"
}

// lz4Compress prefixes the block with the uncompressed size as a varint.
func lz4Compress(input, dst []byte) []byte {
	rawLen := len(input)
	if rawLen > math.MaxUint32 {
		return nil
	}

	var varintBuf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(varintBuf[:], uint64(rawLen))
	outputBound := lz4.CompressBlockBound(rawLen)
	size := n + outputBound
	if cap(dst) < size {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}
	copy(dst, varintBuf[:n])
	var ht [1 << 16]int
	cn, err := lz4.CompressBlock(input, dst[n:], ht[:])
	if err != nil || cn == 0 {
		return nil
	}
	return dst[:n+cn]
}

func isGoodCompressionRatio(compressed, input []byte) bool {
	cl, rl := len(compressed), len(input)
	return cl < rl-(rl/8)
}

// CompressBlock returns the compressed block and true, or input and false when compression does not pay off.
func CompressBlock(tp CompressionType, input, dst []byte) ([]byte, bool) {
	var compressed []byte
	switch tp {
	case CompressionLz4:
		compressed = lz4Compress(input, dst)
	case CompressionNone:
		return input, false
	}
	if compressed == nil || !isGoodCompressionRatio(compressed, input) {
		return input, false
	}
	return compressed, true
}

// lz4Decompress refuses blocks that claim to expand beyond limit bytes.
func lz4Decompress(input, dst []byte, limit int) ([]byte, error) {
	size, n := binary.Uvarint(input)
	if n <= 0 || size > math.MaxUint32 {
		return nil, ErrDecompress
	}
	if size > uint64(limit) {
		return nil, errors.Annotatef(ErrDecompress, "block of %d bytes exceeds limit %d", size, limit)
	}

	if uint64(cap(dst)) < size {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}

	dn, err := lz4.UncompressBlock(input[n:], dst)
	if err != nil {
		return nil, errors.Annotate(ErrDecompress, err.Error())
	}
	if uint64(dn) != size {
		return nil, ErrDecompress
	}
	return dst, nil
}

func DecompressBlock(tp CompressionType, input, dst []byte, limit int) ([]byte, error) {
	switch tp {
	case CompressionLz4:
		return lz4Decompress(input, dst, limit)
	case CompressionNone:
		return input, nil
	default:
		return nil, errors.Errorf("swap: unknown compression type %d", tp)
	}
}
