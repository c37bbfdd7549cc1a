// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/chatcore/vsr/replica"
	"github.com/chatcore/vsr/transport"
	"github.com/chatcore/vsr/wire"
	"github.com/sirupsen/logrus"
)

// dispatch verifies one raw envelope against the replica's transport and, on
// success, routes it to the matching replica operation. It never panics on
// malformed peer input — every rejection path in §4.4/§7 returns quietly, and
// the caller (peer read loop) just drops the frame and keeps the connection
// open, since a single bad frame is an expected-failure condition, not a
// reason to tear down a peer link.
func (n *node) dispatch(raw []byte) {
	env, err := n.r.Transport().Verify(raw)
	if err != nil {
		n.log.WithError(err).Debug("envelope rejected at transport layer")
		return
	}
	if !n.r.Transport().AcceptNonce(env.Header.SenderID, env.Header.Nonce) {
		n.log.WithField("sender", env.Header.SenderID).Debug("envelope rejected: replayed nonce")
		return
	}

	fields := logrus.Fields{
		"cmd":    env.Header.Command,
		"sender": env.Header.SenderID,
		"view":   env.Header.View,
		"op":     env.Header.Op,
	}

	switch env.Header.Command {
	case wire.CommandPrepare:
		n.onPrepare(env, fields)
	case wire.CommandPrepareOK:
		n.onPrepareOK(env, fields)
	case wire.CommandCommit:
		n.onCommit(env, fields)
	case wire.CommandStartViewChange:
		n.onStartViewChange(env, fields)
	case wire.CommandDoViewChange:
		n.onDoViewChange(env, fields)
	case wire.CommandStartView:
		n.onStartView(env, fields)
	case wire.CommandClientSubmit:
		n.onClientSubmit(env, fields)
	default:
		n.log.WithFields(fields).Debug("ignoring unrecognized/edge command tag")
	}
}

func (n *node) onPrepare(env *transport.Envelope, fields logrus.Fields) {
	msg, err := wire.DecodeMessage(env.Body)
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("undecodable prepare body")
		return
	}
	ok, err := n.r.HandlePrepare(env.Header.View, env.Header.Op, msg, env.Header.SenderID, nowMicros())
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("prepare handling failed")
		return
	}
	if !ok {
		return
	}
	n.sendTo(env.Header.SenderID, wire.CommandPrepareOK, env.Header.View, env.Header.Op, n.r.CommitNum(), nil)
}

func (n *node) onPrepareOK(env *transport.Envelope, fields logrus.Fields) {
	quorum, err := n.r.HandlePrepareOK(env.Header.SenderID, env.Header.Op)
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("prepare_ok handling failed")
		return
	}
	if !quorum {
		return
	}
	n.broadcast(wire.CommandCommit, env.Header.View, env.Header.Op, n.r.CommitNum(), nil)
}

func (n *node) onCommit(env *transport.Envelope, fields logrus.Fields) {
	if err := n.r.HandleCommit(env.Header.View, env.Header.CommitNum); err != nil {
		n.log.WithFields(fields).WithError(err).Warn("commit handling failed")
	}
}

func (n *node) onStartViewChange(env *transport.Envelope, fields logrus.Fields) {
	if n.r.OnStartViewChange(env.Header.View, env.Header.SenderID) {
		logState, err := n.r.CurrentLogState()
		if err != nil {
			n.log.WithFields(fields).WithError(err).Error("building log state for do_view_change")
			return
		}
		primaryID := replica.PrimaryIDForView(env.Header.View)
		n.sendTo(primaryID, wire.CommandDoViewChange, env.Header.View, 0, 0, logState.Encode())
	}
}

func (n *node) onDoViewChange(env *transport.Envelope, fields logrus.Fields) {
	logState, err := replica.DecodeLogState(env.Body)
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("undecodable do_view_change body")
		return
	}
	merged, shouldBroadcast, err := n.r.OnDoViewChange(env.Header.View, env.Header.SenderID, logState)
	if err != nil {
		n.log.WithFields(fields).WithError(err).Error("do_view_change merge failed")
		return
	}
	if !shouldBroadcast {
		return
	}
	n.broadcast(wire.CommandStartView, env.Header.View, merged.LastOp, merged.CommitNum, merged.Encode())
}

func (n *node) onStartView(env *transport.Envelope, fields logrus.Fields) {
	logState, err := replica.DecodeLogState(env.Body)
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("undecodable start_view body")
		return
	}
	if err := n.r.OnStartView(env.Header.View, logState); err != nil {
		n.log.WithFields(fields).WithError(err).Warn("start_view installation rejected")
	}
}

// pendingSubmission is one client_submit envelope that has cleared transport
// verification and is waiting in node.submitQueue for its turn through
// AcceptClientRequest.
type pendingSubmission struct {
	msg    *wire.Message
	fields logrus.Fields
}

// onClientSubmit decodes a verified client_submit envelope and enqueues it;
// the actual AcceptClientRequest/prepare-broadcast work happens later, when
// drainSubmissions runs on the next tick. If submitQueue is at QueueCapacity
// (§5), the request is dropped here and the client's own resubmission is
// what recovers it — the same tolerance the protocol already has for a
// dropped prepare or commit.
func (n *node) onClientSubmit(env *transport.Envelope, fields logrus.Fields) {
	msg, err := wire.DecodeMessage(env.Body)
	if err != nil {
		n.log.WithFields(fields).WithError(err).Warn("undecodable client submission")
		return
	}
	if err := n.submitQueue.Push(pendingSubmission{msg: msg, fields: fields}); err != nil {
		n.log.WithFields(fields).Warn("submission queue full at QueueCapacity, dropping client request")
	}
}

// processSubmission runs one dequeued client_submit through the replica
// core and, if it produced a new op this replica must drive to commit,
// broadcasts the resulting prepare.
func (n *node) processSubmission(item pendingSubmission) {
	op, duplicate, err := n.r.AcceptClientRequest(item.msg)
	if err != nil {
		n.log.WithFields(item.fields).WithError(err).Debug("client submission rejected")
		return
	}
	n.log.WithFields(item.fields).WithField("op", op).WithField("duplicate", duplicate).Info("client submission accepted")

	tracker, ok := n.r.Tracker(op)
	if !ok {
		return // no in-flight tracker: a duplicate of an op that has already committed
	}
	n.broadcast(wire.CommandPrepare, n.r.View(), op, n.r.CommitNum(), tracker.Encoded)
}
