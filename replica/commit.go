// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"fmt"

	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
)

// CommitHandler is invoked exactly once per committed op, in op order, per
// the fan-out bus collaborator contract in spec §6 ("Core -> fan-out bus:
// on_commit(room_id, op, message_record) callback invoked exactly once per
// committed op, in op order"). The bus itself is out of scope (§1); this is
// the hook a process wiring this package together registers against.
type CommitHandler func(roomID uuid.UUID, op uint64, message *wire.Message, encoded []byte)

// OnCommit registers the fan-out callback. It is not safe to change once the
// replica has started processing traffic.
func (r *Replica) OnCommit(h CommitHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitHandler = h
}

// fireCommitRangeLocked invokes the registered CommitHandler for every op in
// (prevCommit, newCommit], in ascending order. Every op in that range is
// already durably logged by the time commit_num advances past it (S1+S2), so
// a WAL read here cannot fail except on a bug.
func (r *Replica) fireCommitRangeLocked(prevCommit, newCommit uint64) {
	if r.commitHandler == nil || newCommit <= prevCommit {
		return
	}
	for op := prevCommit + 1; op <= newCommit; op++ {
		buf, found, err := r.wal.Read(op)
		if err != nil || !found {
			panic(fmt.Sprintf("replica: commit_num advanced past op %d with no durable log entry (err=%v, found=%v)", op, err, found))
		}
		msg, err := wire.DecodeMessage(buf)
		if err != nil {
			panic(fmt.Sprintf("replica: commit_num advanced past op %d with an undecodable log entry: %v", op, err))
		}
		r.commitHandler(msg.RoomID, op, msg, buf)
	}
}
