// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

// Package ioloop implements the non-blocking I/O and dispatch layer (§4.11):
// a platform readiness-notification multiplexer, a bounded connection pool,
// and a single-threaded event loop that polls once per Run call and reports
// how many events were ready.
package ioloop

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler reacts to one ready file descriptor. readable/writable mirror the
// Event that triggered it. Handlers run inline on the event-loop goroutine —
// there is exactly one goroutine per Loop, matching §5's single-threaded
// cooperative scheduling model.
type Handler func(fd int, readable, writable bool)

// Loop is one replica process's non-blocking event loop: a Multiplexer for
// readiness notification, a bounded Pool for connection bookkeeping, and a
// registered Handler invoked for every ready fd.
type Loop struct {
	mux  Multiplexer
	pool *Pool
	log  *logrus.Entry

	mu       sync.Mutex
	handlers map[int]Handler
}

// NewLoop constructs a Loop around mux (typically the result of NewEpoll on
// Linux). If log is nil, a default logrus entry is used.
func NewLoop(mux Multiplexer, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{
		mux:      mux,
		pool:     NewPool(),
		log:      log.WithField("component", "ioloop"),
		handlers: make(map[int]Handler),
	}
}

// Pool exposes the loop's bounded connection pool for callers that need to
// inspect connection state (tests, diagnostics).
func (l *Loop) Pool() *Pool { return l.pool }

// Register starts tracking fd in the connection pool (subject to
// MaxConnections, §4.11 R2), registers it with the multiplexer for the given
// readiness interests, and installs handler as the callback for future ready
// events on fd.
func (l *Loop) Register(fd int, readable, writable bool, handler Handler) error {
	if err := l.pool.Add(fd); err != nil {
		return err
	}
	if err := l.mux.Add(fd, readable, writable); err != nil {
		l.pool.Remove(fd)
		return err
	}
	l.mu.Lock()
	l.handlers[fd] = handler
	l.mu.Unlock()
	return nil
}

// Deregister removes fd from both the multiplexer and the connection pool
// and drops its handler. It is used on explicit close or remote hangup
// (ConnState transition to Closed, §4.11).
func (l *Loop) Deregister(fd int) error {
	err := l.mux.Remove(fd)
	l.pool.Remove(fd)
	l.mu.Lock()
	delete(l.handlers, fd)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ioloop: deregister fd %d: %w", fd, err)
	}
	return nil
}

// MarkConnected transitions fd from Connecting to Connected, the state
// change triggered by successful write-readiness on a connecting socket
// (§4.11 connection state machine).
func (l *Loop) MarkConnected(fd int) error {
	return l.pool.Transition(fd, Connected)
}

// Run polls the multiplexer once with the given timeout and dispatches every
// ready event to its registered handler, returning the number of ready
// events observed. An event for an fd with no registered handler (a race
// between a hangup and Deregister) is silently skipped.
func (l *Loop) Run(timeoutMs int) (int, error) {
	events, err := l.mux.Wait(timeoutMs)
	if err != nil {
		return 0, err
	}

	for _, ev := range events {
		l.mu.Lock()
		h, ok := l.handlers[ev.FD]
		l.mu.Unlock()
		if !ok {
			continue
		}
		h(ev.FD, ev.Readable, ev.Writable)
	}
	return len(events), nil
}

// Close closes the underlying multiplexer. It does not close any tracked
// connections — callers own those sockets and must close them explicitly
// before or after calling Close.
func (l *Loop) Close() error {
	return l.mux.Close()
}

// AcceptLoop is a convenience Handler for a listening socket: it accepts one
// connection per ready event (edge-triggered multiplexers may require a
// drain-to-EAGAIN loop instead; this level-triggered form matches the epoll
// default mode used by NewEpoll) and hands it to onAccept, which is
// responsible for registering it with the loop (and so with the pool, as
// Connecting) and for wiring it into its own protocol dispatch. When the pool
// already holds MaxConnections sockets, the handler logs a warning and
// returns without accepting, leaving the pending connection in the
// listener's queue; nothing is propagated, since the listener itself must
// keep running.
func (l *Loop) AcceptLoop(ln *net.TCPListener, onAccept func(conn *net.TCPConn, fd int)) Handler {
	return func(fd int, readable, writable bool) {
		if !readable {
			return
		}
		if l.pool.Len() >= MaxConnections {
			l.log.Warn("connection pool full, refusing to accept")
			return
		}
		conn, err := ln.AcceptTCP()
		if err != nil {
			l.log.WithError(err).Warn("accept failed")
			return
		}
		cfd, err := FD(conn)
		if err != nil {
			l.log.WithError(err).Warn("extract accepted conn fd")
			_ = conn.Close()
			return
		}
		onAccept(conn, cfd) // caller registers cfd via Loop.Register
	}
}
