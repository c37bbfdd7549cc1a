// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package room

import "errors"

// Expected-failure errors (§7): the state machine refuses to apply; the
// caller treats these as a protocol bug or a resource-bound breach.
var (
	ErrNonSequentialOp       = errors.New("room: op is not greater than this room's last applied op")
	ErrWrongRoom             = errors.New("room: message room_id does not match this room")
	ErrTimestampNotMonotonic = errors.New("room: timestamp_us is older than the last applied message")
	ErrRoomFull              = errors.New("room: message count at MAX_MESSAGES_PER_ROOM")
	ErrIdempotencyTableFull  = errors.New("room: idempotency table at MAX_IDEMPOTENCY_ENTRIES")
)
