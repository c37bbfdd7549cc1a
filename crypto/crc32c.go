// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the pure, allocation-free primitives the rest of the
// core builds on: CRC32C checksums, SHA-256 hashing, Ed25519 signatures and a
// seeded PRNG for deterministic simulation and tests.
package crypto

import "hash/crc32"

// castagnoliTable is the Castagnoli polynomial table (reversed 0x82F63B78),
// the variant the wire format and WAL entries checksum with. hash/crc32
// exposes it directly as crc32.Castagnoli, so there is no third-party
// implementation to reach for here.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC32 checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// VerifyCRC32C reports whether data's Castagnoli CRC32 matches want.
func VerifyCRC32C(data []byte, want uint32) bool {
	return CRC32C(data) == want
}

// Checksum accumulates a running CRC32C over multiple byte slices without
// concatenating them, mirroring the "header[12:]+body" checksum contract in
// the transport envelope and the "op|message" contract in WAL entries.
type Checksum struct {
	crc uint32
}

// NewChecksum starts a running checksum.
func NewChecksum() *Checksum {
	return &Checksum{crc: crc32.Checksum(nil, castagnoliTable)}
}

// Write folds b into the running checksum.
func (c *Checksum) Write(b []byte) {
	c.crc = crc32.Update(c.crc, castagnoliTable, b)
}

// Sum32 returns the checksum accumulated so far.
func (c *Checksum) Sum32() uint32 {
	return c.crc
}
