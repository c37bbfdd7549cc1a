// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeerDescriptor is an immutable peer entry from the cluster configuration.
type PeerDescriptor struct {
	ID        uint8
	PublicKey ed25519.PublicKey
}

// Config is the cluster configuration, immutable at startup (§3). No file
// syntax is specified (out of scope per spec §1); it is the embedding
// process's job to populate this struct from whatever source it likes.
type Config struct {
	ClusterID uuid.UUID
	ReplicaID uint8 // this replica's index, in {0,1,2}

	Peers [2]PeerDescriptor // the other two replicas

	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	PrepareTimeout    time.Duration
	ViewChangeTimeout time.Duration

	QueueCapacity int // in (0, 1_000_000]
	MaxWALEntries int // in (0, 10_000_000]

	// MaxInFlightPrepares bounds the primary's PrepareTracker map (§9:
	// "a production rewrite should hold a bounded map op -> tracker").
	MaxInFlightPrepares int

	// LogTransferCap bounds how many entries a do_view_change/start_view
	// message carries, per the log-transfer extension required by §9.
	LogTransferCap int
}

// Validate fails fast on any malformed configuration (§6 "Validation is
// fail-fast at startup").
func (c *Config) Validate() error {
	if c.ClusterID == uuid.Nil {
		return fmt.Errorf("replica: cluster id must be set")
	}
	if c.ReplicaID > 2 {
		return fmt.Errorf("replica: replica id %d out of range {0,1,2}", c.ReplicaID)
	}
	seen := map[uint8]bool{c.ReplicaID: true}
	for _, p := range c.Peers {
		if seen[p.ID] {
			return fmt.Errorf("replica: duplicate or self-referencing peer id %d", p.ID)
		}
		if p.ID > 2 {
			return fmt.Errorf("replica: peer id %d out of range {0,1,2}", p.ID)
		}
		if len(p.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("replica: peer %d public key has wrong size", p.ID)
		}
		seen[p.ID] = true
	}
	if len(seen) != 3 {
		return fmt.Errorf("replica: cluster must contain exactly 3 distinct replica ids")
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("replica: private key has wrong size")
	}
	if c.PrepareTimeout <= 0 {
		return fmt.Errorf("replica: prepare timeout must be positive")
	}
	if c.ViewChangeTimeout <= c.PrepareTimeout {
		return fmt.Errorf("replica: view_change_timeout must exceed prepare_timeout")
	}
	if c.QueueCapacity <= 0 || c.QueueCapacity > 1_000_000 {
		return fmt.Errorf("replica: queue capacity %d out of range (0, 1_000_000]", c.QueueCapacity)
	}
	if c.MaxWALEntries <= 0 || c.MaxWALEntries > 10_000_000 {
		return fmt.Errorf("replica: max wal entries %d out of range (0, 10_000_000]", c.MaxWALEntries)
	}
	return nil
}

// peerKeysArray builds the [3]PublicKey array the transport package expects,
// with this replica's own key at its own index.
func (c *Config) peerKeysArray() [3]ed25519.PublicKey {
	var out [3]ed25519.PublicKey
	out[c.ReplicaID] = c.PublicKey
	for _, p := range c.Peers {
		out[p.ID] = p.PublicKey
	}
	return out
}

// withDefaults fills in sane defaults for fields the caller left zero,
// matching the defaults named in spec §4.10 (50ms prepare, 300ms view
// change) and reasonable bounds for the rest.
func (c *Config) withDefaults() Config {
	out := *c
	if out.PrepareTimeout == 0 {
		out.PrepareTimeout = 50 * time.Millisecond
	}
	if out.ViewChangeTimeout == 0 {
		out.ViewChangeTimeout = 300 * time.Millisecond
	}
	if out.QueueCapacity == 0 {
		out.QueueCapacity = 4096
	}
	if out.MaxWALEntries == 0 {
		out.MaxWALEntries = 1_000_000
	}
	if out.MaxInFlightPrepares == 0 {
		out.MaxInFlightPrepares = 1024
	}
	if out.LogTransferCap == 0 {
		out.LogTransferCap = 10_000
	}
	return out
}
