// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package ioloop

// Event is one readiness notification returned by a Multiplexer's Wait.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

// Multiplexer is the platform readiness-notification primitive abstraction
// required by §4.11 ("Platform multiplexer abstraction: readiness-
// notification primitive equivalent to epoll/kqueue"). The event loop only
// ever calls through this interface; a concrete backend lives behind a
// single build-tagged implementation per OS (here, Linux epoll — the target
// platform for the reference deployment).
type Multiplexer interface {
	// Add starts watching fd for the given readiness interests.
	Add(fd int, readable, writable bool) error
	// Modify changes the readiness interests already registered for fd.
	Modify(fd int, readable, writable bool) error
	// Remove stops watching fd. It is not an error to remove an fd that was
	// never added.
	Remove(fd int) error
	// Wait blocks for at most timeoutMs milliseconds (0 = return
	// immediately, -1 = block indefinitely) and returns the events ready
	// since the last call.
	Wait(timeoutMs int) ([]Event, error)
	// Close releases the underlying OS handle.
	Close() error
}
