package replica

import (
	"crypto/ed25519"
	"io"
	"path/filepath"
	"testing"

	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// testCluster builds three replicas sharing a cluster id and keypairs, each
// with its own WAL under a temp dir, matching §3's fixed three-replica
// cluster.
func testCluster(t *testing.T) [3]*Replica {
	t.Helper()

	clusterID := uuid.New()
	var pub [3]ed25519.PublicKey
	var priv [3]ed25519.PrivateKey
	for i := 0; i < 3; i++ {
		p, s, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatal(err)
		}
		pub[i], priv[i] = p, s
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)
	silent := logrus.NewEntry(discard)

	var out [3]*Replica
	for i := 0; i < 3; i++ {
		var peers [2]PeerDescriptor
		k := 0
		for j := 0; j < 3; j++ {
			if j == i {
				continue
			}
			peers[k] = PeerDescriptor{ID: uint8(j), PublicKey: pub[j]}
			k++
		}
		cfg := Config{
			ClusterID:  clusterID,
			ReplicaID:  uint8(i),
			Peers:      peers,
			PrivateKey: priv[i],
			PublicKey:  pub[i],
		}
		r, err := Open(cfg, filepath.Join(t.TempDir(), "wal.log"), silent)
		if err != nil {
			t.Fatalf("open replica %d: %v", i, err)
		}
		out[i] = r
	}
	return out
}

func mustMessage(t *testing.T, roomID uuid.UUID, authorID, clientSeq uint64) *wire.Message {
	t.Helper()
	return &wire.Message{
		RoomID:         roomID,
		MsgID:          uuid.New(),
		AuthorID:       authorID,
		TimestampUs:    1000 + clientSeq,
		ClientSequence: clientSeq,
		Body:           []byte("hello"),
	}
}

// TestNormalCaseCommit exercises S-1: the primary accepts a client request,
// both backups prepare it, the primary reaches quorum on prepare_ok and
// commits, and the commit propagates to every backup.
func TestNormalCaseCommit(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	primary := cluster[PrimaryIDForView(0)]
	roomID := uuid.New()
	msg := mustMessage(t, roomID, 1, 1)

	op, dup, err := primary.AcceptClientRequest(msg)
	if err != nil || dup || op != 1 {
		t.Fatalf("accept: op=%d dup=%v err=%v", op, dup, err)
	}

	tracker, ok := primary.Tracker(op)
	if !ok {
		t.Fatal("no tracker after accept")
	}

	var quorum bool
	for _, r := range cluster {
		if r == primary {
			continue
		}
		ok, err := r.HandlePrepare(0, op, tracker.Message, primary.cfg.ReplicaID, 1)
		if err != nil || !ok {
			t.Fatalf("handle prepare on replica %d: ok=%v err=%v", r.cfg.ReplicaID, ok, err)
		}
		// HandlePrepareOK reports quorum exactly once, on the first reply
		// that reaches it; later replies for the same op report false.
		reached, err := primary.HandlePrepareOK(r.cfg.ReplicaID, op)
		if err != nil {
			t.Fatal(err)
		}
		quorum = quorum || reached
	}
	if !quorum {
		t.Fatal("quorum never reached")
	}
	if primary.CommitNum() != op {
		t.Fatalf("primary commit_num=%d, want %d", primary.CommitNum(), op)
	}

	for _, r := range cluster {
		if r == primary {
			continue
		}
		if err := r.HandleCommit(0, op); err != nil {
			t.Fatalf("handle commit on replica %d: %v", r.cfg.ReplicaID, err)
		}
		if r.CommitNum() != op {
			t.Fatalf("replica %d commit_num=%d, want %d", r.cfg.ReplicaID, r.CommitNum(), op)
		}
	}
}

// TestMultiRoomInterleavedOpsDoNotPanic covers the case a single-room
// cluster can't: once a second room is in play, a room's own message
// positions are a sparse subsequence of the replica's global op space (two
// rooms interleaved on one WAL never see consecutive op numbers), and
// accepting/preparing/committing across both rooms must not panic or
// reject valid, in-order requests.
func TestMultiRoomInterleavedOpsDoNotPanic(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	primary := cluster[PrimaryIDForView(0)]
	roomA, roomB := uuid.New(), uuid.New()

	commit := func(roomID uuid.UUID, authorID, clientSeq uint64) uint64 {
		msg := mustMessage(t, roomID, authorID, clientSeq)
		op, dup, err := primary.AcceptClientRequest(msg)
		if err != nil || dup {
			t.Fatalf("accept room=%s: op=%d dup=%v err=%v", roomID, op, dup, err)
		}
		tracker, ok := primary.Tracker(op)
		if !ok {
			t.Fatalf("no tracker for op %d", op)
		}
		var quorum bool
		for _, r := range cluster {
			if r == primary {
				continue
			}
			ok, err := r.HandlePrepare(0, op, tracker.Message, primary.cfg.ReplicaID, 1)
			if err != nil || !ok {
				t.Fatalf("handle prepare on replica %d: ok=%v err=%v", r.cfg.ReplicaID, ok, err)
			}
			reached, err := primary.HandlePrepareOK(r.cfg.ReplicaID, op)
			if err != nil {
				t.Fatal(err)
			}
			quorum = quorum || reached
		}
		if !quorum {
			t.Fatalf("quorum never reached for op %d", op)
		}
		for _, r := range cluster {
			if r == primary {
				continue
			}
			if err := r.HandleCommit(0, op); err != nil {
				t.Fatalf("handle commit on replica %d: %v", r.cfg.ReplicaID, err)
			}
		}
		return op
	}

	// Interleave: A, B, A, B — room B's very first message lands on global
	// op 2, not 1, which the old global-op-as-room-position invariant
	// rejected outright.
	opA1 := commit(roomA, 1, 1)
	opB1 := commit(roomB, 2, 1)
	opA2 := commit(roomA, 1, 2)
	opB2 := commit(roomB, 2, 2)

	if opA1 != 1 || opB1 != 2 || opA2 != 3 || opB2 != 4 {
		t.Fatalf("unexpected op assignment: A1=%d B1=%d A2=%d B2=%d", opA1, opB1, opA2, opB2)
	}

	for _, r := range cluster {
		rsA := r.GetOrCreateRoom(roomA)
		rsB := r.GetOrCreateRoom(roomB)
		if rsA.MessageCount() != 2 || rsA.SeqNum != 2 {
			t.Fatalf("replica %d room A: count=%d seq_num=%d, want 2,2", r.cfg.ReplicaID, rsA.MessageCount(), rsA.SeqNum)
		}
		if rsB.MessageCount() != 2 || rsB.SeqNum != 2 {
			t.Fatalf("replica %d room B: count=%d seq_num=%d, want 2,2", r.cfg.ReplicaID, rsB.MessageCount(), rsB.SeqNum)
		}
		if r.CommitNum() != 4 {
			t.Fatalf("replica %d commit_num=%d, want 4", r.cfg.ReplicaID, r.CommitNum())
		}
	}
}

// TestIdempotentResubmissionDoesNotReassignOp covers S-2 at the replica
// layer: resubmitting the same (author_id, client_sequence) never produces
// a second WAL entry, even with a different msg_id.
func TestIdempotentResubmissionDoesNotReassignOp(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	primary := cluster[PrimaryIDForView(0)]
	roomID := uuid.New()
	msg1 := mustMessage(t, roomID, 1, 1)

	op1, dup1, err := primary.AcceptClientRequest(msg1)
	if err != nil || dup1 {
		t.Fatalf("first accept: op=%d dup=%v err=%v", op1, dup1, err)
	}

	msg2 := mustMessage(t, roomID, 1, 1) // same author/seq, fresh msg_id
	op2, dup2, err := primary.AcceptClientRequest(msg2)
	if err != nil {
		t.Fatal(err)
	}
	if !dup2 || op2 != op1 {
		t.Fatalf("resubmission: dup=%v op=%d, want dup=true op=%d", dup2, op2, op1)
	}
	if primary.LastOp() != op1 {
		t.Fatalf("resubmission created a new wal entry: last_op=%d", primary.LastOp())
	}
}

// TestBackupRejectsPrepareFromWrongView covers the primary-authority check:
// a prepare from a sender who is not the primary for the claimed view is
// ignored, not applied.
func TestBackupRejectsPrepareFromWrongView(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	backup := cluster[(PrimaryIDForView(0)+1)%3]
	impostor := cluster[(PrimaryIDForView(0)+2)%3]
	msg := mustMessage(t, uuid.New(), 1, 1)

	ok, err := backup.HandlePrepare(0, 1, msg, impostor.cfg.ReplicaID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("accepted prepare from a non-primary sender")
	}
}

// TestViewChangeElectsNewPrimaryAndMergesLogs covers S-3/S-4: two backups
// vote a view change after a perceived primary timeout, the prospective
// primary for the new view collects quorum on do_view_change, merges by
// (last_op, commit_num), and every replica installs the resulting log.
func TestViewChangeElectsNewPrimaryAndMergesLogs(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	oldPrimaryID := PrimaryIDForView(0)
	newView := uint32(1)
	newPrimary := cluster[PrimaryIDForView(newView)]

	var initiators []*Replica
	for _, r := range cluster {
		if r.cfg.ReplicaID == oldPrimaryID {
			continue
		}
		initiators = append(initiators, r)
	}

	// Both backups independently time out and cast their own vote.
	for _, r := range initiators {
		r.timeoutTracker.recordPrepare(0)
		broadcast, v := r.OnTimeout(1_000_000_000)
		if !broadcast || v != newView {
			t.Fatalf("replica %d: OnTimeout broadcast=%v view=%d, want view=%d", r.cfg.ReplicaID, broadcast, v, newView)
		}
	}

	// Cross-deliver start_view_change so each backup also sees the other's
	// vote, and the new primary sees both.
	for _, voter := range initiators {
		for _, peer := range cluster {
			if peer.cfg.ReplicaID == voter.cfg.ReplicaID {
				continue
			}
			peer.OnStartViewChange(newView, voter.cfg.ReplicaID)
		}
	}

	// Each backup, having reached local quorum, sends do_view_change to the
	// new primary with its own log state.
	var lastMerged *LogState
	for _, r := range initiators {
		logState, err := r.CurrentLogState()
		if err != nil {
			t.Fatal(err)
		}
		merged, shouldBroadcast, err := newPrimary.OnDoViewChange(newView, r.cfg.ReplicaID, logState)
		if err != nil {
			t.Fatal(err)
		}
		if merged != nil {
			lastMerged = merged
		}
		_ = shouldBroadcast
	}
	if lastMerged == nil {
		t.Fatal("new primary never reached do_view_change quorum")
	}
	if newPrimary.RoleState() != RoleNormal {
		t.Fatalf("new primary role=%v, want Normal after merge", newPrimary.RoleState())
	}
	if newPrimary.View() != newView {
		t.Fatalf("new primary view=%d, want %d", newPrimary.View(), newView)
	}

	// Every replica installs the new primary's start_view.
	for _, r := range cluster {
		if r == newPrimary {
			continue
		}
		if err := r.OnStartView(newView, *lastMerged); err != nil {
			t.Fatalf("replica %d install start_view: %v", r.cfg.ReplicaID, err)
		}
		if r.View() != newView || r.RoleState() != RoleNormal {
			t.Fatalf("replica %d view=%d role=%v after start_view", r.cfg.ReplicaID, r.View(), r.RoleState())
		}
	}
}

// TestMergeLogStatesTieBreak is the numeric example from scenario S-4:
// (5,3), (7,5), (6,6) must merge to (7,5) — highest last_op wins outright,
// regardless of commit_num.
func TestMergeLogStatesTieBreak(t *testing.T) {
	states := []LogState{
		{LastOp: 5, CommitNum: 3},
		{LastOp: 7, CommitNum: 5},
		{LastOp: 6, CommitNum: 6},
	}
	got := mergeLogStates(states)
	if got.LastOp != 7 || got.CommitNum != 5 {
		t.Fatalf("merge = (%d,%d), want (7,5)", got.LastOp, got.CommitNum)
	}
}

// TestMergeLogStatesCommitTieBreak covers the second half of the rule: when
// last_op ties, the higher commit_num wins.
func TestMergeLogStatesCommitTieBreak(t *testing.T) {
	states := []LogState{
		{LastOp: 7, CommitNum: 2},
		{LastOp: 7, CommitNum: 5},
	}
	got := mergeLogStates(states)
	if got.CommitNum != 5 {
		t.Fatalf("merge commit_num=%d, want 5", got.CommitNum)
	}
}

// TestOnStartViewRejectsOldView covers §7's expected-failure path: a
// start_view for a view older than the replica's current one is rejected
// without mutating state.
func TestOnStartViewRejectsOldView(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	r := cluster[0]
	r.StartViewChange(5)
	if err := r.OnStartView(1, LogState{}); err != ErrOldView {
		t.Fatalf("got %v, want ErrOldView", err)
	}
}

// TestOnTimeoutNeverFiresWithoutAPrepare covers the liveness timer's
// no-baseline rule: a replica that has never seen a prepare cannot time
// out, since there is nothing to measure staleness against.
func TestOnTimeoutNeverFiresWithoutAPrepare(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	backup := cluster[(PrimaryIDForView(0)+1)%3]
	broadcast, _ := backup.OnTimeout(1_000_000_000)
	if broadcast {
		t.Fatal("timed out with no prepare ever recorded")
	}
}

// TestOnTimeoutFiresAtPrepareTimeoutNotViewChangeTimeout is scenario S-3: a
// prepare at t=1_000us followed by a liveness check at t=52_000us (51ms
// elapsed) must fire, since that exceeds the default 50ms prepare_timeout.
// With the two timeouts mixed up, 51ms compared against the much larger
// default 300ms view_change_timeout would never fire, silently failing to
// detect a dead primary on the spec's own timeline.
func TestOnTimeoutFiresAtPrepareTimeoutNotViewChangeTimeout(t *testing.T) {
	cluster := testCluster(t)
	defer func() {
		for _, r := range cluster {
			_ = r.Close()
		}
	}()

	backup := cluster[(PrimaryIDForView(0)+1)%3]
	backup.timeoutTracker.recordPrepare(1_000)

	if broadcast, _ := backup.OnTimeout(40_000); broadcast {
		t.Fatal("fired before prepare_timeout (39ms) elapsed")
	}
	if broadcast, v := backup.OnTimeout(52_000); !broadcast || v != 1 {
		t.Fatalf("OnTimeout at 51ms elapsed: broadcast=%v view=%d, want true,1", broadcast, v)
	}
}
