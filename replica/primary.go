// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"fmt"

	"github.com/chatcore/vsr/wire"
)

// PrepareTracker tracks quorum progress for one in-flight op (§4.8). The
// source held a single field good for pipeline depth 1; per §9 this is
// generalized to a bounded map keyed by op so the primary can pipeline
// multiple prepares concurrently.
type PrepareTracker struct {
	Op             uint64
	Message        *wire.Message
	Encoded        []byte
	PrepareOkFrom  [3]bool
	Count          uint8
}

// AcceptClientRequest implements §4.8's normal-case entry point. It checks
// idempotency before assigning an op (so a resubmitted request never causes
// a new WAL append, matching scenario S-2), appends durably, applies
// locally, and opens a PrepareTracker self-voted by the primary.
//
// Returns (op, duplicate, err). On duplicate, op is the op originally
// assigned to this (author_id, client_sequence) pair and no state changed.
func (r *Replica) AcceptClientRequest(msg *wire.Message) (op uint64, duplicate bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return 0, false, ErrDraining
	}
	if PrimaryIDForView(r.view) != r.cfg.ReplicaID {
		return 0, false, ErrNotPrimary
	}

	rs := r.getOrCreateRoomLocked(msg.RoomID)
	if existingOp, found := rs.LookupIdempotent(msg.AuthorID, msg.ClientSequence); found {
		return existingOp, true, nil
	}

	if len(r.trackers) >= r.cfg.MaxInFlightPrepares {
		return 0, false, fmt.Errorf("replica: in-flight prepare cap (%d) reached", r.cfg.MaxInFlightPrepares)
	}

	op = r.wal.LastOp() + 1
	msg.PrevHash = rs.HeadHash

	encoded, encErr := msg.Encode()
	if encErr != nil {
		return 0, false, fmt.Errorf("replica: encode message: %w", encErr)
	}

	if err := r.wal.Append(op, encoded); err != nil {
		return 0, false, fmt.Errorf("replica: wal append: %w", err)
	}

	if _, err := rs.Apply(op, msg, encoded); err != nil {
		// The WAL and room state machine must agree: the WAL accepted this
		// op, so apply() disagreeing here is a bug, not an expected
		// failure.
		panic(fmt.Sprintf("replica: primary-local apply of its own assigned op %d failed: %v", op, err))
	}

	t := &PrepareTracker{
		Op:      op,
		Message: msg,
		Encoded: encoded,
		Count:   1,
	}
	t.PrepareOkFrom[r.cfg.ReplicaID] = true
	r.trackers[op] = t

	return op, false, nil
}

// HandlePrepareOK implements §4.8's quorum detection. It ignores a reply
// for an op with no current tracker (the op already committed, or the
// view changed underneath it) and deduplicates by sender. It returns
// quorumReached=true exactly once per op, the moment the primary should
// broadcast commit.
func (r *Replica) HandlePrepareOK(fromReplica uint8, op uint64) (quorumReached bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[op]
	if !ok {
		return false, nil
	}
	if fromReplica > 2 {
		return false, fmt.Errorf("replica: prepare_ok from invalid replica id %d", fromReplica)
	}
	if t.PrepareOkFrom[fromReplica] {
		return false, nil
	}
	t.PrepareOkFrom[fromReplica] = true
	t.Count++

	if t.Count < 2 {
		return false, nil
	}

	if op > r.commitNum {
		prev := r.commitNum
		r.commitNum = op
		r.fireCommitRangeLocked(prev, op)
	}
	delete(r.trackers, op)
	return true, nil
}

// Tracker returns the in-flight tracker for op, if any — used by callers
// that need to build the prepare broadcast body after AcceptClientRequest.
func (r *Replica) Tracker(op uint64) (*PrepareTracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[op]
	return t, ok
}
