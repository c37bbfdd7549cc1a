// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package ioloop

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the listen(2) backlog depth of 128. Listen does not apply
// it: the backlog of a listener it opens is the one the Go runtime passes.
const ListenBacklog = 128

// Listen opens a non-blocking TCP listener bound to addr with SO_REUSEADDR
// set. Go's net package sets O_NONBLOCK on every socket it creates
// internally, but does not expose SO_REUSEADDR directly, so this goes
// through net.ListenConfig.Control the way gyuho-db's netutil package
// reaches into raw socket options on top of the standard listener. The
// backlog is not set here (see ListenBacklog).
func Listen(network, addr string) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("ioloop: listen %s %s: %w", network, addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("ioloop: listen %s %s: not a TCP listener", network, addr)
	}
	return tl, nil
}

// FD extracts the raw file descriptor backing a *net.TCPListener or
// *net.TCPConn so it can be registered with a Multiplexer. The returned fd
// shares lifetime with the syscall.RawConn snapshot, not the original
// net.Conn/net.Listener — callers must keep the original object alive for as
// long as the fd is registered.
func FD(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("ioloop: syscall conn: %w", err)
	}
	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1, fmt.Errorf("ioloop: control: %w", err)
	}
	return fd, nil
}
