// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/chatcore/vsr/wire"
	"github.com/sirupsen/logrus"
)

// peerConn is one TCP connection to or from another replica: the raw
// net.TCPConn (registered with the event loop's multiplexer via its fd) plus
// an accumulation buffer for partial envelope frames. A connection carries
// traffic in one direction logically but is read from and written to as
// envelopes arrive and are sent; replicaID is -1 until the first verified
// envelope identifies the peer on the other end of an inbound connection.
type peerConn struct {
	conn      *net.TCPConn
	fd        int
	replicaID int // -1 until known
	recvBuf   []byte
}

func newPeerConn(conn *net.TCPConn, fd int, replicaID int) *peerConn {
	return &peerConn{conn: conn, fd: fd, replicaID: replicaID}
}

// readFrames does one read of up to 64 KiB from the socket into recvBuf and
// returns every complete envelope now sitting at the front of it, in
// arrival order. An envelope's total length is read from the header's
// total_size field (§3), so a frame only needs to be decoded once its full
// length has actually arrived — a short read simply leaves a partial frame
// in recvBuf for the next readiness event to complete.
func (p *peerConn) readFrames(log *logrus.Entry) (frames [][]byte, closed bool, err error) {
	buf := make([]byte, 64*1024)
	n, rerr := p.conn.Read(buf)
	if n > 0 {
		p.recvBuf = append(p.recvBuf, buf[:n]...)
	}
	if rerr != nil {
		if errors.Is(rerr, io.EOF) {
			return frames, true, nil
		}
		return frames, false, rerr
	}
	if n == 0 {
		return frames, true, nil
	}

	for {
		if len(p.recvBuf) < wire.HeaderSize {
			break
		}
		totalSize := binary.LittleEndian.Uint32(p.recvBuf[12:16]) // header offset of total_size, §3
		if totalSize < wire.HeaderSize || int(totalSize) > wire.HeaderSize+wire.MaxEnvelopeBodySize+64 {
			return frames, false, errTotalSizeOutOfRange
		}
		if len(p.recvBuf) < int(totalSize) {
			break
		}
		frame := append([]byte(nil), p.recvBuf[:totalSize]...)
		p.recvBuf = append([]byte(nil), p.recvBuf[totalSize:]...)
		frames = append(frames, frame)
	}
	return frames, false, nil
}

// write sends a fully-encoded envelope, blocking only as long as the
// kernel's send buffer is backed up (the event loop only ever calls write
// from the same goroutine that drives Run, matching §5's single-threaded
// handler model).
func (p *peerConn) write(frame []byte) error {
	_, err := p.conn.Write(frame)
	return err
}

func (p *peerConn) close() error {
	return p.conn.Close()
}

var errTotalSizeOutOfRange = errors.New("vsrnode: envelope total_size field out of range")
