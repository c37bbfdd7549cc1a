// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package ioloop

// NewEpoll is unavailable outside Linux in this module — the reference
// deployment targets Linux, and no other OS backend is wired in the
// retrieval pack. NewEpoll reports ErrUnsupportedPlatform instead of
// failing to compile, so the rest of the package still builds on other
// hosts for development and testing of everything above the multiplexer.
func NewEpoll() (*Epoll, error) {
	return nil, ErrUnsupportedPlatform
}

// Epoll is a stand-in on non-Linux platforms so NewEpoll above has a
// concrete type to name; every method reports ErrUnsupportedPlatform.
type Epoll struct{}

func (e *Epoll) Add(fd int, readable, writable bool) error    { return ErrUnsupportedPlatform }
func (e *Epoll) Modify(fd int, readable, writable bool) error { return ErrUnsupportedPlatform }
func (e *Epoll) Remove(fd int) error                          { return ErrUnsupportedPlatform }
func (e *Epoll) Wait(timeoutMs int) ([]Event, error)          { return nil, ErrUnsupportedPlatform }
func (e *Epoll) Close() error                                 { return nil }
