// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package ioloop

import "errors"

// ErrTooManyConnections is returned by Pool.Add once MaxConnections
// concurrent sockets are already tracked (§4.11 R2).
var ErrTooManyConnections = errors.New("ioloop: too many connections")

// ErrUnknownConn is returned by Pool.Transition for a file descriptor the
// pool is not currently tracking.
var ErrUnknownConn = errors.New("ioloop: unknown connection fd")

// ErrUnsupportedPlatform is returned by NewEpoll on an OS with no
// wired readiness-notification backend (§4.11: "Platform multiplexer
// abstraction ... backends per OS" — only Linux epoll is wired here).
var ErrUnsupportedPlatform = errors.New("ioloop: unsupported platform")
