// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PeerKeys maps a sender id in {0,1,2} to its Ed25519 public key.
type PeerKeys [3]ed25519.PublicKey

// Transport is a replica's stateful envelope sign/verify surface (§4.4): a
// monotonic outbound nonce counter plus a per-peer last-seen inbound nonce.
// It holds no network connection itself — callers own sockets; Transport
// only produces and validates bytes.
type Transport struct {
	mu sync.Mutex

	ClusterID  uuid.UUID
	SelfID     uint8
	PrivateKey ed25519.PrivateKey
	PeerKeys   PeerKeys

	outboundNonce  uint64
	lastSeenNonce  [3]uint64

	Log *logrus.Entry
}

// New constructs a Transport. If log is nil, a default logrus entry is used,
// matching doltswarm's NodeConfig.Log default.
func New(clusterID uuid.UUID, selfID uint8, sk ed25519.PrivateKey, peers PeerKeys, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		ClusterID:  clusterID,
		SelfID:     selfID,
		PrivateKey: sk,
		PeerKeys:   peers,
		Log:        log,
	}
}

// Send builds and signs an envelope for the given command/view/op/commit and
// body. It increments the outbound nonce exactly once per call (§4.4
// observable side effect) and returns wire-ready bytes.
func (t *Transport) Send(cmd wire.Command, view uint32, op, commitNum uint64, body []byte) ([]byte, error) {
	if len(body) > wire.MaxEnvelopeBodySize {
		return nil, ErrBodyTooLarge
	}

	t.mu.Lock()
	t.outboundNonce++
	nonce := t.outboundNonce
	t.mu.Unlock()

	h := &wire.Header{
		Version:   wire.ProtocolVersion,
		Command:   cmd,
		SenderID:  t.SelfID,
		TotalSize: uint32(wire.HeaderSize + len(body) + SignatureSize),
		Nonce:     nonce,
		Timestamp: uint64(time.Now().UnixMicro()),
		ClusterID: t.ClusterID,
		View:      view,
		Op:        op,
		CommitNum: commitNum,
	}

	headerBuf := h.Encode()
	h.Checksum = crc32cOf(checksumDomain(headerBuf, body))
	headerBuf = h.Encode() // re-encode with checksum filled in before signing

	sig := signEnvelope(t.PrivateKey, headerBuf, body)

	env := &Envelope{Header: h, Body: body}
	copy(env.Signature[:], sig)
	return env.Encode(), nil
}

// Verify runs the ordered checklist from §4.4 steps 1-5. It never mutates
// the nonce table — that happens only via AcceptNonce, called by the
// protocol layer after Verify succeeds (step 6 is explicitly caller-level).
func (t *Transport) Verify(raw []byte) (*Envelope, error) {
	if len(raw) < wire.HeaderSize {
		return nil, ErrInvalidMagicOrVersion
	}
	if wire.HeaderMagic(raw) != wire.Magic {
		return nil, ErrInvalidMagicOrVersion
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if env.Header.Version != wire.ProtocolVersion {
		return nil, ErrInvalidMagicOrVersion
	}
	if env.Header.ClusterID != t.ClusterID {
		return nil, ErrClusterIDMismatch
	}
	if env.Header.SenderID >= 3 {
		return nil, ErrInvalidSenderID
	}

	headerBuf := env.Header.Encode()
	wantChecksum := crc32cOf(checksumDomain(headerBuf, env.Body))
	if wantChecksum != env.Header.Checksum {
		return nil, ErrChecksumMismatch
	}

	pk := t.PeerKeys[env.Header.SenderID]
	if !verifyEnvelope(pk, headerBuf, env.Body, env.Signature) {
		return nil, ErrInvalidSignature
	}

	return env, nil
}

// AcceptNonce implements SE2: it checks envelope.nonce > last_seen_nonce and,
// only on acceptance, advances the table. Rejecting a replay never mutates
// the table.
func (t *Transport) AcceptNonce(senderID uint8, nonce uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if senderID >= 3 {
		return false
	}
	if nonce <= t.lastSeenNonce[senderID] {
		return false
	}
	t.lastSeenNonce[senderID] = nonce
	return true
}

// LastSeenNonce reports the last accepted nonce for a sender, for tests and
// diagnostics.
func (t *Transport) LastSeenNonce(senderID uint8) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeenNonce[senderID]
}
