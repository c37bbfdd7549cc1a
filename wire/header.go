// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Magic is "TIGR" as a little-endian uint32, per spec §6 (0x54494752).
const Magic uint32 = 0x54494752

// ProtocolVersion is the only version this core speaks.
const ProtocolVersion uint8 = 1

// Command tags, §6. 0x20..0x24 are edge/client tags the core forwards
// opaquely and never interprets itself.
type Command uint8

const (
	CommandPrepare         Command = 0x01
	CommandPrepareOK       Command = 0x02
	CommandCommit          Command = 0x03
	CommandStartViewChange Command = 0x04
	CommandDoViewChange    Command = 0x05
	CommandStartView       Command = 0x06

	// CommandClientSubmit is the one edge/client tag (§6: "0x20..0x24 ...
	// the core may forward opaquely") that this module's embedding process
	// interprets directly, to hand a submitted message to
	// Replica.AcceptClientRequest. The rest of the 0x20..0x24 range belongs
	// to the edge gateway and is out of scope here.
	CommandClientSubmit Command = 0x20
)

// HeaderSize is the fixed transport header length, 16-byte aligned.
const HeaderSize = 128

// MaxEnvelopeBodySize is the hard body-size bound from §5.
const MaxEnvelopeBodySize = 1 << 20 // 1 MiB

// Offsets within the 128-byte header. The checksum covers everything from
// offChecksumDomain onward plus the body (§4.4: "CRC32C over
// header[12..]+body"); magic/version/command/flags/sender_id/checksum
// themselves sit before that boundary and are excluded from their own
// checksum.
const (
	hOffMagic      = 0
	hOffVersion    = 4
	hOffCommand    = 5
	hOffFlags      = 6
	hOffSenderID   = 7
	hOffChecksum   = 8
	hOffTotalSize  = 12
	hChecksumDomain = hOffTotalSize // == 12, matches spec's header[12..]
	hOffNonce      = 16
	hOffTimestamp  = 24
	hOffClusterID  = 32
	hOffView       = 48
	hOffPad        = 52
	hOffOp         = 56
	hOffCommitNum  = 64
	hOffReserved   = 72
)

// Header is the in-memory form of the 128-byte transport header.
type Header struct {
	Version    uint8
	Command    Command
	Flags      uint8
	SenderID   uint8
	Checksum   uint32
	TotalSize  uint32
	Nonce      uint64
	Timestamp  uint64
	ClusterID  uuid.UUID
	View       uint32
	Op         uint64
	CommitNum  uint64
}

// Encode writes h into a fixed 128-byte buffer. The checksum field is
// written as-is (callers fill it in before calling Encode, per the
// "header's own checksum field set prior to signing" contract in §3).
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[hOffMagic:], Magic)
	buf[hOffVersion] = h.Version
	buf[hOffCommand] = byte(h.Command)
	buf[hOffFlags] = h.Flags
	buf[hOffSenderID] = h.SenderID
	binary.LittleEndian.PutUint32(buf[hOffChecksum:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[hOffTotalSize:], h.TotalSize)
	binary.LittleEndian.PutUint64(buf[hOffNonce:], h.Nonce)
	binary.LittleEndian.PutUint64(buf[hOffTimestamp:], h.Timestamp)
	copy(buf[hOffClusterID:], h.ClusterID[:])
	binary.LittleEndian.PutUint32(buf[hOffView:], h.View)
	binary.LittleEndian.PutUint64(buf[hOffOp:], h.Op)
	binary.LittleEndian.PutUint64(buf[hOffCommitNum:], h.CommitNum)
	// buf[hOffReserved:] stays zero.
	return buf
}

// DecodeHeader parses a 128-byte buffer into a Header. It does not validate
// magic/version — Transport.Verify does that, per the ordered check list in
// §4.4.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("wire: header buffer is %d bytes, want %d", len(buf), HeaderSize)
	}
	h := &Header{
		Version:   buf[hOffVersion],
		Command:   Command(buf[hOffCommand]),
		Flags:     buf[hOffFlags],
		SenderID:  buf[hOffSenderID],
		Checksum:  binary.LittleEndian.Uint32(buf[hOffChecksum:]),
		TotalSize: binary.LittleEndian.Uint32(buf[hOffTotalSize:]),
		Nonce:     binary.LittleEndian.Uint64(buf[hOffNonce:]),
		Timestamp: binary.LittleEndian.Uint64(buf[hOffTimestamp:]),
		View:      binary.LittleEndian.Uint32(buf[hOffView:]),
		Op:        binary.LittleEndian.Uint64(buf[hOffOp:]),
		CommitNum: binary.LittleEndian.Uint64(buf[hOffCommitNum:]),
	}
	copy(h.ClusterID[:], buf[hOffClusterID:hOffClusterID+16])
	return h, nil
}

// HeaderMagic reads just the magic field out of a raw header buffer, used by
// Transport.Verify before doing a full decode.
func HeaderMagic(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[hOffMagic:])
}

// ChecksumDomain returns the byte offset at which the envelope checksum
// domain begins within the header (header[12:]).
func ChecksumDomain() int { return hChecksumDomain }
