// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"fmt"

	"github.com/chatcore/vsr/wire"
)

// HandlePrepare implements the backup side of the normal case (§4.9, one of
// the source's documented stubs — this module implements the minimum
// contract the spec requires rather than leaving it unimplemented).
//
// Accepts only if view matches, op is exactly last_op+1, and the sender is
// the primary for that view. On acceptance it appends to the WAL, applies
// to room state, resets the prepare timer (liveness signal), and reports
// that the caller should send prepare_ok.
func (r *Replica) HandlePrepare(view uint32, op uint64, msg *wire.Message, senderID uint8, nowUs int64) (ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if view != r.view {
		return false, nil
	}
	if senderID != PrimaryIDForView(view) {
		return false, nil
	}
	if op != r.wal.LastOp()+1 {
		return false, nil
	}

	encoded, encErr := msg.Encode()
	if encErr != nil {
		return false, fmt.Errorf("replica: encode prepared message: %w", encErr)
	}
	if err := r.wal.Append(op, encoded); err != nil {
		return false, fmt.Errorf("replica: wal append: %w", err)
	}

	rs := r.getOrCreateRoomLocked(msg.RoomID)
	if _, err := rs.Apply(op, msg, encoded); err != nil {
		return false, fmt.Errorf("replica: apply prepared op %d: %w", op, err)
	}

	r.timeoutTracker.recordPrepare(nowUs)
	return true, nil
}

// HandleCommit implements the backup side of commit advancement (§4.9,
// also a documented stub in the source). It advances commit_num to
// min(new_commit_num, wal.last_op); any gap between the previous commit_num
// and the new one is filled by applying the corresponding already-logged
// entries to room state, since a backup may receive commit before it has
// applied every intervening prepare's local effects in this simplified
// single-threaded model... in practice HandlePrepare already applies on
// receipt, so the gap-fill here is a safety net for out-of-order delivery.
func (r *Replica) HandleCommit(view uint32, newCommitNum uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if view != r.view {
		return nil
	}

	target := newCommitNum
	if last := r.wal.LastOp(); target > last {
		target = last
	}
	if target <= r.commitNum {
		return nil
	}

	for op := r.commitNum + 1; op <= target; op++ {
		buf, found, err := r.wal.Read(op)
		if err != nil {
			return fmt.Errorf("replica: read op %d during commit gap-fill: %w", op, err)
		}
		if !found {
			return fmt.Errorf("replica: missing op %d during commit gap-fill", op)
		}
		msg, err := wire.DecodeMessage(buf)
		if err != nil {
			return err
		}
		rs := r.getOrCreateRoomLocked(msg.RoomID)
		if rs.LastOp >= op {
			continue // already applied when the prepare for this op arrived
		}
		if _, err := rs.Apply(op, msg, buf); err != nil {
			return fmt.Errorf("replica: gap-fill apply op %d: %w", op, err)
		}
	}

	prev := r.commitNum
	r.commitNum = target
	r.fireCommitRangeLocked(prev, target)
	return nil
}
