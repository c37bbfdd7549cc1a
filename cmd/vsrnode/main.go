// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Command vsrnode is the process entry point (§6 "Process lifecycle") that
// wires the consensus core together with real sockets: it loads
// configuration from flags, opens and recovers the WAL, starts the
// non-blocking event loop, dials and accepts peer connections, and drains
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatcore/vsr/ioloop"
	"github.com/chatcore/vsr/queue"
	"github.com/chatcore/vsr/replica"
	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// tickInterval bounds how often the event loop polls when idle, so the
// view-change timeout tracker (§4.10) gets checked promptly even with no
// network traffic at all.
const tickInterval = 10 * time.Millisecond

func nowMicros() int64 { return time.Now().UnixMicro() }

// node holds everything this process wires on top of the consensus core:
// the replica itself, its peer connections, the event loop, and the address
// book needed to dial out.
type node struct {
	r    *replica.Replica
	loop *ioloop.Loop
	log  *logrus.Entry

	addrs map[uint8]string

	// submitQueue holds client_submit requests that have passed transport
	// verification but have not yet been run through AcceptClientRequest.
	// It bounds how much work a burst of submissions can pile up to
	// cfg.QueueCapacity (§5), rather than letting the read handler call
	// into the replica core for an unbounded number of requests in one
	// event-loop iteration.
	submitQueue *queue.Bounded[pendingSubmission]

	mu    sync.Mutex
	peers map[uint8]*peerConn // keyed by replica id, once identified
	byFD  map[int]*peerConn   // keyed by fd, for every tracked connection
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("vsrnode exiting")
	}
}

func run(args []string) error {
	nf, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, addrs, err := nf.toReplicaConfig()
	if err != nil {
		return err
	}

	log := logrus.WithField("replica_id", cfg.ReplicaID)

	r, err := replica.Open(cfg, nf.walPath, log)
	if err != nil {
		return fmt.Errorf("vsrnode: open replica: %w", err)
	}

	mux, err := ioloop.NewEpoll()
	if err != nil {
		return fmt.Errorf("vsrnode: epoll: %w", err)
	}
	loop := ioloop.NewLoop(mux, log)

	n := &node{
		r:           r,
		loop:        loop,
		log:         log,
		addrs:       addrs,
		submitQueue: queue.New[pendingSubmission](cfg.QueueCapacity),
		peers:       make(map[uint8]*peerConn),
		byFD:        make(map[int]*peerConn),
	}
	r.OnCommit(func(roomID uuid.UUID, op uint64, _ *wire.Message, _ []byte) {
		log.WithFields(logrus.Fields{"room_id": roomID.String(), "op": op}).Info("committed")
	})

	ln, err := ioloop.Listen("tcp", nf.bind)
	if err != nil {
		return fmt.Errorf("vsrnode: listen: %w", err)
	}
	lnFD, err := ioloop.FD(ln)
	if err != nil {
		return fmt.Errorf("vsrnode: listener fd: %w", err)
	}
	acceptHandler := loop.AcceptLoop(ln, n.onAccept)
	if err := loop.Register(lnFD, true, false, acceptHandler); err != nil {
		return fmt.Errorf("vsrnode: register listener: %w", err)
	}

	n.dialPeers()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("bind", nf.bind).Info("vsrnode up")
	for ctx.Err() == nil {
		if _, err := loop.Run(int(tickInterval.Milliseconds())); err != nil {
			log.WithError(err).Warn("event loop iteration failed")
		}
		n.tick()
	}

	log.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.ViewChangeTimeout)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown drain reported errors")
	}
	n.closeAllPeers()
	_ = ln.Close()
	return loop.Close()
}

// tick runs the periodic, non-network-triggered work the event loop must
// still perform even when idle: draining any client submissions that piled
// up in submitQueue, and the backup's prepare-timeout liveness check
// (§4.10).
func (n *node) tick() {
	n.drainSubmissions()
	broadcast, view := n.r.OnTimeout(nowMicros())
	if broadcast {
		n.broadcast(wire.CommandStartViewChange, view, 0, 0, nil)
	}
}

// drainSubmissions runs every queued client_submit through the replica core
// until submitQueue is empty. It runs once per event-loop tick rather than
// inline from the socket read handler, so a burst of submissions arriving
// faster than AcceptClientRequest/WAL append can keep up with is smoothed
// across ticks instead of processed without bound inside one readiness
// callback.
func (n *node) drainSubmissions() {
	for {
		item, ok := n.submitQueue.Pop()
		if !ok {
			return
		}
		n.processSubmission(item)
	}
}

func (n *node) onAccept(conn *net.TCPConn, fd int) {
	pc := newPeerConn(conn, fd, -1)
	n.mu.Lock()
	n.byFD[fd] = pc
	n.mu.Unlock()

	if err := n.loop.Register(fd, true, false, n.makeReadHandler(pc)); err != nil {
		n.log.WithError(err).Warn("registering accepted connection")
		n.forgetConn(pc)
		_ = conn.Close()
	}
}

func (n *node) makeReadHandler(pc *peerConn) ioloop.Handler {
	return func(fd int, readable, writable bool) {
		if !readable {
			return
		}
		frames, closed, err := pc.readFrames(n.log)
		if err != nil {
			n.log.WithError(err).Debug("peer read error, closing connection")
			closed = true
		}
		for _, frame := range frames {
			n.dispatch(frame)
			// The first successfully verified frame off an inbound
			// connection identifies its sender; promote it into the
			// by-replica-id map so outbound sends can reuse it.
			if pc.replicaID < 0 {
				if env, verr := n.r.Transport().Verify(frame); verr == nil {
					pc.replicaID = int(env.Header.SenderID)
					n.mu.Lock()
					n.peers[env.Header.SenderID] = pc
					n.mu.Unlock()
				}
			}
		}
		if closed {
			n.forgetConn(pc)
			_ = pc.close()
		}
	}
}

func (n *node) forgetConn(pc *peerConn) {
	_ = n.loop.Deregister(pc.fd)
	n.mu.Lock()
	delete(n.byFD, pc.fd)
	if pc.replicaID >= 0 && n.peers[uint8(pc.replicaID)] == pc {
		delete(n.peers, uint8(pc.replicaID))
	}
	n.mu.Unlock()
}

func (n *node) closeAllPeers() {
	n.mu.Lock()
	conns := make([]*peerConn, 0, len(n.byFD))
	for _, pc := range n.byFD {
		conns = append(conns, pc)
	}
	n.mu.Unlock()
	for _, pc := range conns {
		n.forgetConn(pc)
		_ = pc.close()
	}
}

// dialPeers opens an outbound connection to every configured peer, once, at
// startup. A dial failure is logged rather than treated as fatal, so a peer
// that is down does not prevent this replica from starting; the failed peer
// is not dialed again by this process, and traffic to it flows only if that
// peer connects inbound.
func (n *node) dialPeers() {
	for id, addr := range n.addrs {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			n.log.WithField("peer", id).WithError(err).Warn("dial failed, will not retry until restart")
			continue
		}
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			continue
		}
		fd, err := ioloop.FD(tc)
		if err != nil {
			_ = tc.Close()
			continue
		}
		pc := newPeerConn(tc, fd, int(id))
		n.mu.Lock()
		n.peers[id] = pc
		n.byFD[fd] = pc
		n.mu.Unlock()
		if err := n.loop.Register(fd, true, false, n.makeReadHandler(pc)); err != nil {
			n.log.WithField("peer", id).WithError(err).Warn("registering outbound connection")
		}
	}
}

// sendTo encodes and signs one envelope and writes it to the named peer, if
// currently connected. A missing connection is logged and dropped — the
// protocol layer above tolerates a lost message (the sender's own retry or
// the view-change timeout will recover liveness).
func (n *node) sendTo(peerID uint8, cmd wire.Command, view uint32, op, commitNum uint64, body []byte) {
	n.mu.Lock()
	pc, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok {
		n.log.WithField("peer", peerID).Debug("no connection to send on")
		return
	}
	frame, err := n.r.Transport().Send(cmd, view, op, commitNum, body)
	if err != nil {
		n.log.WithError(err).Warn("encoding outbound envelope")
		return
	}
	if err := pc.write(frame); err != nil {
		n.log.WithField("peer", peerID).WithError(err).Warn("write failed, dropping connection")
		n.forgetConn(pc)
		_ = pc.close()
	}
}

func (n *node) broadcast(cmd wire.Command, view uint32, op, commitNum uint64, body []byte) {
	for id := range n.addrs {
		n.sendTo(id, cmd, view, op, commitNum, body)
	}
}
