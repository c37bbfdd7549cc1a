// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/chatcore/vsr/crypto"
)

// EntryHeaderSize is the WAL entry header: op(8) + checksum(4) + reserved(4).
const EntryHeaderSize = 16

// EntrySize is one full WAL record: entry header + fixed message record.
const EntrySize = EntryHeaderSize + MessageSize

const (
	eOffOp       = 0
	eOffChecksum = 8
	eOffReserved = 12
)

// EntryHeader is the 16-byte header preceding every message record in the
// WAL file.
type EntryHeader struct {
	Op       uint64
	Checksum uint32
}

// Encode writes the entry header to a fixed 16-byte buffer.
func (e *EntryHeader) Encode() []byte {
	buf := make([]byte, EntryHeaderSize)
	binary.LittleEndian.PutUint64(buf[eOffOp:], e.Op)
	binary.LittleEndian.PutUint32(buf[eOffChecksum:], e.Checksum)
	return buf
}

// DecodeEntryHeader parses a 16-byte buffer into an EntryHeader.
func DecodeEntryHeader(buf []byte) (*EntryHeader, error) {
	if len(buf) != EntryHeaderSize {
		return nil, fmt.Errorf("wire: entry header buffer is %d bytes, want %d", len(buf), EntryHeaderSize)
	}
	return &EntryHeader{
		Op:       binary.LittleEndian.Uint64(buf[eOffOp:]),
		Checksum: binary.LittleEndian.Uint32(buf[eOffChecksum:]),
	}, nil
}

// EntryChecksum computes checksum = CRC32C(op_le | message_bytes), the
// contract spelled out in §3 for each WAL entry.
func EntryChecksum(op uint64, messageBytes []byte) uint32 {
	var opBuf [8]byte
	binary.LittleEndian.PutUint64(opBuf[:], op)
	cs := crypto.NewChecksum()
	cs.Write(opBuf[:])
	cs.Write(messageBytes)
	return cs.Sum32()
}
