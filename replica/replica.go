// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package replica implements the replicated state machine core (§4.7-4.10):
// role/view/commit-number bookkeeping, the primary's op-assignment and
// quorum detection, the backup's prepare/commit handling, and the full
// view-change protocol (timeout detection through log installation).
package replica

import (
	"fmt"
	"sync"

	"github.com/chatcore/vsr/room"
	"github.com/chatcore/vsr/transport"
	"github.com/chatcore/vsr/wal"
	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Role is one of the three replica states from §3.
type Role int

const (
	RoleRecovering Role = iota
	RoleNormal
	RoleViewChange
)

func (r Role) String() string {
	switch r {
	case RoleRecovering:
		return "recovering"
	case RoleNormal:
		return "normal"
	case RoleViewChange:
		return "view_change"
	default:
		return "unknown"
	}
}

// Replica holds everything owned exclusively by one replica process: its
// configuration, WAL, room table, nonce table (via Transport), current
// view/role/commit number, and the view-change sub-state machines.
type Replica struct {
	mu sync.Mutex

	cfg       Config
	wal       *wal.WAL
	transport *transport.Transport
	Log       *logrus.Entry

	role      Role
	view      uint32
	commitNum uint64

	rooms map[uuid.UUID]*room.State

	commitHandler CommitHandler
	draining      bool

	// primary-side state, §4.8
	trackers map[uint64]*PrepareTracker

	// view-change state, §4.10
	timeoutTracker *timeoutTracker
	pendingView    uint32
	votes          map[uint32]map[uint8]bool
	dvcTrackers    map[uint32]*doViewChangeTracker
}

// Open opens (or creates) the WAL at walPath, recovers it, rebuilds every
// room's state by replaying the recovered entries, and returns a Replica in
// RoleNormal with commit_num == wal.last_op — the single-replica recovery
// assumption flagged as an open question in §9.
func Open(cfg Config, walPath string, log *logrus.Entry) (*Replica, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("replica_id", cfg.ReplicaID)

	w, err := wal.Open(walPath, cfg.MaxWALEntries, log)
	if err != nil {
		return nil, fmt.Errorf("replica: open wal: %w", err)
	}

	tr := transport.New(cfg.ClusterID, cfg.ReplicaID, cfg.PrivateKey, cfg.peerKeysArray(), log)

	r := &Replica{
		cfg:         cfg,
		wal:         w,
		transport:   tr,
		Log:         log,
		role:        RoleRecovering,
		rooms:       make(map[uuid.UUID]*room.State),
		trackers:    make(map[uint64]*PrepareTracker),
		timeoutTracker: newTimeoutTracker(),
		votes:       make(map[uint32]map[uint8]bool),
		dvcTrackers: make(map[uint32]*doViewChangeTracker),
	}

	if err := r.replayIntoRooms(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("replica: replay wal into rooms: %w", err)
	}

	r.role = RoleNormal
	r.commitNum = w.LastOp()
	r.Log.WithFields(logrus.Fields{"view": r.view, "commit_num": r.commitNum}).Info("replica recovered into normal state")

	return r, nil
}

// replayIntoRooms scans the WAL from op 1 through last_op and applies every
// message to its room, reproducing the same room states on every restart
// (X1).
func (r *Replica) replayIntoRooms() error {
	last := r.wal.LastOp()
	for op := uint64(1); op <= last; op++ {
		buf, found, err := r.wal.Read(op)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("replica: wal missing op %d during replay", op)
		}
		msg, err := wire.DecodeMessage(buf)
		if err != nil {
			return err
		}
		rs := r.getOrCreateRoomLocked(msg.RoomID)
		if _, err := rs.Apply(op, msg, buf); err != nil {
			return fmt.Errorf("replica: replay op %d: %w", op, err)
		}
	}
	return nil
}

// View returns the current view number.
func (r *Replica) View() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// CommitNum returns the current commit number.
func (r *Replica) CommitNum() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitNum
}

// RoleState returns the current role.
func (r *Replica) RoleState() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// LastOp returns the WAL's last durably appended op.
func (r *Replica) LastOp() uint64 {
	return r.wal.LastOp()
}

// Transport exposes the replica's envelope sign/verify/nonce surface so an
// embedding process can send and receive wire traffic on this replica's
// behalf. The core itself never opens a socket (§1: I/O transports are the
// embedding process's concern; §4.11's multiplexer only provides
// readiness).
func (r *Replica) Transport() *transport.Transport {
	return r.transport
}

// VerifyCluster reports whether header.ClusterID matches this replica's
// cluster id (§4.7).
func (r *Replica) VerifyCluster(clusterID uuid.UUID) bool {
	return clusterID == r.cfg.ClusterID
}

// VerifyNonce implements SE2: accept-and-advance on success, no mutation on
// rejection. Delegates to the Transport's nonce table.
func (r *Replica) VerifyNonce(senderID uint8, nonce uint64) bool {
	return r.transport.AcceptNonce(senderID, nonce)
}

// GetOrCreateRoom returns the room state for roomID, creating an empty one
// if this is the first time the replica has seen it.
func (r *Replica) GetOrCreateRoom(roomID uuid.UUID) *room.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateRoomLocked(roomID)
}

func (r *Replica) getOrCreateRoomLocked(roomID uuid.UUID) *room.State {
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = room.New(roomID)
		r.rooms[roomID] = rs
	}
	return rs
}

// PrimaryIDForView returns the deterministic primary for view v: v mod 3.
func PrimaryIDForView(v uint32) uint8 {
	return uint8(v % 3)
}

// PrimaryIDForView returns the primary for the current view.
func (r *Replica) PrimaryIDForView() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return PrimaryIDForView(r.view)
}

// IsPrimary reports whether this replica is the primary for its current
// view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return PrimaryIDForView(r.view) == r.cfg.ReplicaID
}

// StartViewChange requires newView > view (enforced as an invariant
// violation, since callers in this codebase are expected to check first);
// it sets role ViewChange and installs the new view.
func (r *Replica) StartViewChange(newView uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startViewChangeLocked(newView)
}

func (r *Replica) startViewChangeLocked(newView uint32) {
	if newView <= r.view {
		panic(fmt.Sprintf("replica: start_view_change requires new_view(%d) > view(%d)", newView, r.view))
	}
	r.advanceViewLocked(newView)
	r.role = RoleViewChange
	r.Log.WithField("view", newView).Info("entering view change")
}

// CompleteViewChange requires newView >= view; it sets role Normal and
// installs the view.
func (r *Replica) CompleteViewChange(newView uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completeViewChangeLocked(newView)
}

func (r *Replica) completeViewChangeLocked(newView uint32) {
	if newView < r.view {
		panic(fmt.Sprintf("replica: complete_view_change requires new_view(%d) >= view(%d)", newView, r.view))
	}
	r.advanceViewLocked(newView)
	r.role = RoleNormal
	r.Log.WithField("view", newView).Info("view change complete")
}

// advanceViewLocked installs newView and, per §9's open question on
// "per-view prepare tracker lifetime," explicitly drops every in-flight
// prepare tracker whenever the view actually changes.
func (r *Replica) advanceViewLocked(newView uint32) {
	if newView != r.view {
		r.trackers = make(map[uint64]*PrepareTracker)
	}
	r.view = newView
}

// Close closes the underlying WAL.
func (r *Replica) Close() error {
	return r.wal.Close()
}
