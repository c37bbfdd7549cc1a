// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package room implements the deterministic per-room state machine (§4.6):
// sequential op application, exactly-once idempotency, a SHA-256 hash chain
// over applied messages, and the two resource bounds MAX_MESSAGES_PER_ROOM
// and MAX_IDEMPOTENCY_ENTRIES.
package room

import (
	"github.com/chatcore/vsr/crypto"
	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
)

// Bounds from §3/§5.
const (
	MaxMessagesPerRoom    = 1_000_000
	MaxIdempotencyEntries = 100_000
)

// idempotencyKey is (author_id, client_sequence), the exactly-once key (S6).
type idempotencyKey struct {
	authorID       uint64
	clientSequence uint64
}

// ApplyResult reports whether apply actually mutated state and, either way,
// the op that owns this (author_id, client_sequence) pair.
type ApplyResult struct {
	Applied bool
	Op      uint64
}

// State is one room's deterministic state: an ordered sequence of applied
// messages, a msg_id index, the idempotency table, and the running hash
// chain head. Every field here is exclusively owned by the room; State
// itself is owned by whatever room table holds it (§3 "Lifecycle").
type State struct {
	RoomID uuid.UUID

	messages  [][]byte // encoded fixed-layout records, in apply order
	msgIndex  map[uuid.UUID]int
	idempo    map[idempotencyKey]uint64

	LastOp          uint64 // highest global WAL op applied to this room so far
	SeqNum          uint64 // this room's own per-room position; always == len(messages)
	LastTimestampUs uint64
	HeadHash        [crypto.HashSize]byte
}

// New creates an empty room state for roomID.
func New(roomID uuid.UUID) *State {
	return &State{
		RoomID:   roomID,
		msgIndex: make(map[uuid.UUID]int),
		idempo:   make(map[idempotencyKey]uint64),
	}
}

// MessageCount returns the number of applied messages, always equal to
// SeqNum (post-condition in §4.6).
func (s *State) MessageCount() int { return len(s.messages) }

// Apply enforces every invariant in §4.6 and, on success, appends the
// message to the chain and advances the running state.
//
// op is the op number under which the replica's WAL durably holds this
// message. A replica hosts many rooms sharing that one global op space
// (§3's room_id -> RoomState table), so consecutive messages in a given
// room do not generally carry consecutive op numbers — the room only ever
// sees a subsequence of the global sequence. What Apply enforces is that
// op strictly increases per room (no replaying an older or repeated op
// into the same room); the room's own position in its own sequence is
// tracked separately as SeqNum, which does increase by exactly one per
// successful Apply regardless of how the underlying op numbers are spaced.
//
// msg must already be decoded from its fixed 2368-byte record, and encoded
// must be that exact record (the caller — the replica/primary/backup code —
// owns encoding once, since it is needed both for the hash chain and for
// the WAL append).
func (s *State) Apply(op uint64, msg *wire.Message, encoded []byte) (ApplyResult, error) {
	key := idempotencyKey{authorID: msg.AuthorID, clientSequence: msg.ClientSequence}
	if existingOp, ok := s.idempo[key]; ok {
		return ApplyResult{Applied: false, Op: existingOp}, nil
	}

	if op <= s.LastOp {
		return ApplyResult{}, ErrNonSequentialOp
	}
	if msg.RoomID != s.RoomID {
		return ApplyResult{}, ErrWrongRoom
	}
	if len(s.messages) > 0 && msg.TimestampUs < s.LastTimestampUs {
		return ApplyResult{}, ErrTimestampNotMonotonic
	}
	if len(s.messages) >= MaxMessagesPerRoom {
		return ApplyResult{}, ErrRoomFull
	}
	if len(s.idempo) >= MaxIdempotencyEntries {
		return ApplyResult{}, ErrIdempotencyTableFull
	}

	s.messages = append(s.messages, encoded)
	s.msgIndex[msg.MsgID] = len(s.messages) - 1
	s.idempo[key] = op
	s.LastOp = op
	s.SeqNum++
	s.LastTimestampUs = msg.TimestampUs
	s.HeadHash = wire.HashRecord(encoded)

	return ApplyResult{Applied: true, Op: op}, nil
}

// LookupIdempotent reports the op already assigned to (authorID,
// clientSequence), if any. The primary protocol calls this before assigning
// a new op (§4.8), so a resubmitted request never causes a WAL append —
// Apply's own S6 check is a second line of defense for replay paths that
// reach it directly (e.g. a backup re-processing a retried prepare).
func (s *State) LookupIdempotent(authorID, clientSequence uint64) (op uint64, found bool) {
	op, found = s.idempo[idempotencyKey{authorID: authorID, clientSequence: clientSequence}]
	return op, found
}

// MessageAt returns the encoded record at sequence position i (0-indexed,
// apply order), or (nil, false) if out of range.
func (s *State) MessageAt(i int) ([]byte, bool) {
	if i < 0 || i >= len(s.messages) {
		return nil, false
	}
	return s.messages[i], true
}

// PositionOf returns the apply-order position of msgID, for prev_hash
// verification (S5: messages[i].prev_hash == sha256(messages[i-1])).
func (s *State) PositionOf(msgID uuid.UUID) (int, bool) {
	pos, ok := s.msgIndex[msgID]
	return pos, ok
}
