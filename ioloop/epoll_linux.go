// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Epoll is the Linux backend for Multiplexer, built on golang.org/x/sys/unix
// the way the teacher pack carries golang.org/x/sys as myl7/pbft's indirect
// dependency — promoted here to a direct one, since it is the only library
// in the retrieval pack that reaches the raw epoll syscalls §4.11 requires.
type Epoll struct {
	fd int
}

// NewEpoll creates a new epoll instance via epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	return &Epoll{fd: fd}, nil
}

func eventsFor(readable, writable bool) uint32 {
	var events uint32
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}
	return events
}

// Add registers fd with epoll_ctl(EPOLL_CTL_ADD).
func (e *Epoll) Add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventsFor(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify updates fd's registered interest set with epoll_ctl(EPOLL_CTL_MOD).
func (e *Epoll) Modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventsFor(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. ENOENT (never added, or already removed by a
// closed socket) is not treated as an error — the caller's bookkeeping in
// Pool is the source of truth for whether fd was ever tracked.
func (e *Epoll) Remove(fd int) error {
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return fmt.Errorf("ioloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait calls epoll_wait with timeoutMs and translates ready events. It
// retries once on EINTR (a signal arriving mid-wait, e.g. SIGINT during
// shutdown) rather than surfacing it as a caller-visible error.
func (e *Epoll) Wait(timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, MaxConnections)
	n, err := unix.EpollWait(e.fd, raw, timeoutMs)
	if err == unix.EINTR {
		n, err = unix.EpollWait(e.fd, raw, timeoutMs)
	}
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_wait: %w", err)
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		re := raw[i]
		out = append(out, Event{
			FD:       int(re.Fd),
			Readable: re.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: re.Events&unix.EPOLLOUT != 0,
		})
	}
	return out, nil
}

// Close closes the underlying epoll file descriptor.
func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}
