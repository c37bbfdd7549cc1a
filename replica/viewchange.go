// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"encoding/binary"
	"fmt"

	"github.com/chatcore/vsr/wire"
	"github.com/sirupsen/logrus"
)

// timeoutTracker is the liveness timer a backup uses to decide when its
// primary has gone silent (§4.10). It never reports a timeout until at
// least one prepare has actually been recorded, since a freshly started
// replica has no baseline to measure staleness against.
type timeoutTracker struct {
	lastPrepareUs int64
	seen          bool
}

func newTimeoutTracker() *timeoutTracker {
	return &timeoutTracker{}
}

func (t *timeoutTracker) recordPrepare(nowUs int64) {
	t.lastPrepareUs = nowUs
	t.seen = true
}

func (t *timeoutTracker) hasTimedOut(nowUs int64, timeoutUs int64) bool {
	if !t.seen {
		return false
	}
	return nowUs-t.lastPrepareUs >= timeoutUs
}

// LogEntry is one transferred WAL entry, carried inside a do_view_change or
// start_view message per the log-transfer extension required by §9 ("a
// view-change message that only carries last_op/commit_num without the
// underlying entries cannot actually bring a lagging replica's WAL up to
// date").
type LogEntry struct {
	Op      uint64
	Message []byte // the fixed-layout encoded record
}

// LogState is the log summary + tail a replica offers during view change:
// its last_op, commit_num, and the most recent entries (bounded by
// Config.LogTransferCap) needed to fill any gap a less up-to-date peer has.
type LogState struct {
	LastOp    uint64
	CommitNum uint64
	Entries   []LogEntry
}

// Encode serializes a LogState for transmission inside a do_view_change or
// start_view envelope body: last_op(8) | commit_num(8) | entry_count(4),
// followed by each entry as op(8) | message(wire.MessageSize). There is no
// spec-mandated fixed layout for this (the log-transfer extension is a §9
// supplement, not part of the original wire format in §3/§6), so this
// follows the same little-endian, length-prefixed style as the rest of the
// wire package rather than introducing a different convention.
func (s LogState) Encode() []byte {
	buf := make([]byte, 0, 20+len(s.Entries)*(8+wire.MessageSize))
	var hdr [20]byte
	binary.LittleEndian.PutUint64(hdr[0:], s.LastOp)
	binary.LittleEndian.PutUint64(hdr[8:], s.CommitNum)
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(s.Entries)))
	buf = append(buf, hdr[:]...)
	for _, e := range s.Entries {
		var opBuf [8]byte
		binary.LittleEndian.PutUint64(opBuf[:], e.Op)
		buf = append(buf, opBuf[:]...)
		buf = append(buf, e.Message...)
	}
	return buf
}

// DecodeLogState parses the Encode format above.
func DecodeLogState(buf []byte) (LogState, error) {
	if len(buf) < 20 {
		return LogState{}, fmt.Errorf("replica: log state buffer is %d bytes, too short", len(buf))
	}
	s := LogState{
		LastOp:    binary.LittleEndian.Uint64(buf[0:]),
		CommitNum: binary.LittleEndian.Uint64(buf[8:]),
	}
	count := binary.LittleEndian.Uint32(buf[16:])
	buf = buf[20:]
	entrySize := 8 + wire.MessageSize
	if len(buf) != int(count)*entrySize {
		return LogState{}, fmt.Errorf("replica: log state declares %d entries but body has %d bytes left", count, len(buf))
	}
	s.Entries = make([]LogEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		off := int(i) * entrySize
		op := binary.LittleEndian.Uint64(buf[off:])
		msg := append([]byte(nil), buf[off+8:off+entrySize]...)
		s.Entries = append(s.Entries, LogEntry{Op: op, Message: msg})
	}
	return s, nil
}

// doViewChangeTracker accumulates the do_view_change log states seen by a
// prospective primary for one candidate view, per sender, until quorum.
type doViewChangeTracker struct {
	view      uint32
	logStates map[uint8]LogState
}

// CurrentLogState builds this replica's LogState for a do_view_change or
// start_view message: its full last_op/commit_num plus the most recent
// LogTransferCap entries from the WAL.
func (r *Replica) CurrentLogState() (LogState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLogStateLocked()
}

func (r *Replica) currentLogStateLocked() (LogState, error) {
	last := r.wal.LastOp()
	transferCap := uint64(r.cfg.LogTransferCap)
	start := uint64(1)
	if last > transferCap {
		start = last - transferCap + 1
	}

	entries := make([]LogEntry, 0, last-start+1)
	for op := start; op <= last; op++ {
		buf, found, err := r.wal.Read(op)
		if err != nil {
			return LogState{}, fmt.Errorf("replica: read op %d for log state: %w", op, err)
		}
		if !found {
			return LogState{}, fmt.Errorf("replica: missing op %d building log state", op)
		}
		entries = append(entries, LogEntry{Op: op, Message: buf})
	}

	return LogState{LastOp: last, CommitNum: r.commitNum, Entries: entries}, nil
}

// mergeLogStates implements §4.10's tie-break rule: among all reported log
// states, the winner has the highest last_op, and among equal last_ops the
// highest commit_num (verified against scenario S-4: (5,3),(7,5),(6,6) merges
// to (7,5)).
func mergeLogStates(states []LogState) LogState {
	best := states[0]
	for _, s := range states[1:] {
		if s.LastOp > best.LastOp || (s.LastOp == best.LastOp && s.CommitNum > best.CommitNum) {
			best = s
		}
	}
	return best
}

// OnTimeout is the periodic liveness check a backup runs (§4.10): while
// Normal and not primary, if the prepare timer has expired it becomes the
// view-change initiator, advancing to pending_view = view+1, entering
// RoleViewChange, and casting its own vote. Any other role, or the primary
// itself, never initiates this way. Returns whether the caller should
// broadcast start_view_change(newView) to its peers.
func (r *Replica) OnTimeout(nowUs int64) (shouldBroadcast bool, newView uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != RoleNormal {
		return false, 0
	}
	if PrimaryIDForView(r.view) == r.cfg.ReplicaID {
		return false, 0
	}
	timeoutUs := r.cfg.PrepareTimeout.Microseconds()
	if !r.timeoutTracker.hasTimedOut(nowUs, timeoutUs) {
		return false, 0
	}

	newView = r.view + 1
	r.pendingView = newView
	r.startViewChangeLocked(newView)
	r.voteLocked(newView, r.cfg.ReplicaID)
	r.Log.WithField("new_view", newView).Warn("prepare timeout, initiating view change")
	return true, newView
}

// OnStartViewChange implements the backup's vote accumulator (§4.10). A vote
// for a view older than the current one is dropped; a vote for a newer view
// causes this replica to adopt it (entering RoleViewChange if it had not
// already). Votes are deduplicated by sender. Returns whether the
// accumulator now holds quorum (>= 2 votes, inclusive of any local vote),
// in which case the caller should send do_view_change to the prospective
// primary for newView.
func (r *Replica) OnStartViewChange(view uint32, fromReplica uint8) (quorumReached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if view < r.view {
		return false
	}
	if view > r.view {
		r.pendingView = view
		r.startViewChangeLocked(view)
	} else if r.role != RoleViewChange {
		// Same view number but this replica never initiated or adopted a
		// change for it — nothing to accumulate against.
		return false
	}

	r.voteLocked(view, fromReplica)
	return len(r.votes[view]) >= 2
}

func (r *Replica) voteLocked(view uint32, fromReplica uint8) {
	if r.votes[view] == nil {
		r.votes[view] = make(map[uint8]bool)
	}
	r.votes[view][fromReplica] = true
}

// OnDoViewChange implements the election coordinator (§4.10): only the
// prospective primary for view acts on it, and only while it is itself in
// RoleViewChange. Log states are accumulated per sender until quorum (>= 2,
// inclusive of the coordinator's own), at which point they are merged per
// the tie-break rule, installed locally, and the caller is told to
// broadcast start_view(view, merged).
func (r *Replica) OnDoViewChange(view uint32, fromReplica uint8, logState LogState) (merged *LogState, shouldBroadcast bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if PrimaryIDForView(view) != r.cfg.ReplicaID {
		return nil, false, nil
	}
	if r.role != RoleViewChange {
		return nil, false, nil
	}

	if r.dvcTrackers[view] == nil {
		r.dvcTrackers[view] = &doViewChangeTracker{view: view, logStates: make(map[uint8]LogState)}
	}
	t := r.dvcTrackers[view]
	t.logStates[fromReplica] = logState

	own, err := r.currentLogStateLocked()
	if err != nil {
		return nil, false, err
	}
	t.logStates[r.cfg.ReplicaID] = own

	if len(t.logStates) < 2 {
		return nil, false, nil
	}

	states := make([]LogState, 0, len(t.logStates))
	for _, s := range t.logStates {
		states = append(states, s)
	}
	result := mergeLogStates(states)

	if err := r.installLogStateLocked(result); err != nil {
		return nil, false, err
	}
	r.completeViewChangeLocked(view)
	delete(r.dvcTrackers, view)

	r.Log.WithFields(logrus.Fields{
		"view":       view,
		"last_op":    result.LastOp,
		"commit_num": result.CommitNum,
	}).Info("view change merge complete, broadcasting start_view")

	return &result, true, nil
}

// OnStartView implements the view installer run by every replica on receipt
// of start_view(view, logState) (§4.10). It rejects a message for a view
// older than the current one, and requires the replica to currently be in
// RoleViewChange — a start_view received while Normal or Recovering is
// unexpected and reported rather than silently accepted.
func (r *Replica) OnStartView(view uint32, logState LogState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if view < r.view {
		return ErrOldView
	}
	if r.role != RoleViewChange {
		return ErrNotInViewChangeState
	}

	if err := r.installLogStateLocked(logState); err != nil {
		return err
	}
	r.completeViewChangeLocked(view)
	return nil
}

// installLogStateLocked brings this replica's WAL and room table up to the
// merged log state: every transferred entry whose op is beyond the
// replica's own last_op is appended and applied in order, then commit_num
// is advanced to min(logState.CommitNum, wal.last_op). A gap the transferred
// entries don't cover (last_op still short of logState.LastOp afterward) is
// reported rather than silently left behind — the caller configured too
// small a LogTransferCap for how far this replica had fallen behind.
func (r *Replica) installLogStateLocked(logState LogState) error {
	for _, entry := range logState.Entries {
		if entry.Op <= r.wal.LastOp() {
			continue
		}
		if entry.Op != r.wal.LastOp()+1 {
			return fmt.Errorf("replica: log transfer has a gap before op %d", entry.Op)
		}
		if err := r.wal.Append(entry.Op, entry.Message); err != nil {
			return fmt.Errorf("replica: log transfer append op %d: %w", entry.Op, err)
		}
		msg, err := wire.DecodeMessage(entry.Message)
		if err != nil {
			return fmt.Errorf("replica: log transfer decode op %d: %w", entry.Op, err)
		}
		rs := r.getOrCreateRoomLocked(msg.RoomID)
		if rs.LastOp < entry.Op {
			if _, err := rs.Apply(entry.Op, msg, entry.Message); err != nil {
				return fmt.Errorf("replica: log transfer apply op %d: %w", entry.Op, err)
			}
		}
	}

	if r.wal.LastOp() < logState.LastOp {
		return fmt.Errorf("replica: log transfer incomplete: have last_op %d, want %d (increase log_transfer_cap)", r.wal.LastOp(), logState.LastOp)
	}

	newCommit := logState.CommitNum
	if last := r.wal.LastOp(); newCommit > last {
		newCommit = last
	}
	if newCommit > r.commitNum {
		prev := r.commitNum
		r.commitNum = newCommit
		r.fireCommitRangeLocked(prev, newCommit)
	}
	return nil
}
