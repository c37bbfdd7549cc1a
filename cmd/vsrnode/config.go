// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/chatcore/vsr/replica"
	"github.com/google/uuid"
)

// peerFlag is one "id:addr:pubkey_hex" peer descriptor from the command
// line, e.g. "1:10.0.0.2:7001:9c3b...". No config-file syntax is specified
// (out of scope per spec §1), so this process takes its cluster
// configuration entirely from flags, the way unkn0wn-root/kioshun's
// cmd/kioshun-node wires a flat flag set into a Config struct.
type peerFlag struct {
	id     uint8
	addr   string
	pubKey ed25519.PublicKey
}

func parsePeerFlag(s string) (peerFlag, error) {
	// addr is itself host:port, so the id ends at the first colon and the
	// key starts after the last one.
	first, last := strings.Index(s, ":"), strings.LastIndex(s, ":")
	if first < 0 || last == first {
		return peerFlag{}, fmt.Errorf("peer flag %q: want id:addr:pubkey_hex", s)
	}
	parts := []string{s[:first], s[first+1 : last], s[last+1:]}
	var id int
	if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil || id < 0 || id > 2 {
		return peerFlag{}, fmt.Errorf("peer flag %q: id must be 0, 1 or 2", s)
	}
	keyBytes, err := hex.DecodeString(parts[2])
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return peerFlag{}, fmt.Errorf("peer flag %q: pubkey must be %d hex bytes", s, ed25519.PublicKeySize)
	}
	return peerFlag{id: uint8(id), addr: parts[1], pubKey: ed25519.PublicKey(keyBytes)}, nil
}

// nodeFlags is the raw set of command-line flags before validation.
type nodeFlags struct {
	replicaID  int
	clusterID  string
	bind       string
	walPath    string
	privateKey string
	peers      []string

	prepareTimeout    time.Duration
	viewChangeTimeout time.Duration
	maxWALEntries     int
	queueCapacity     int
	logTransferCap    int
}

func parseFlags(args []string) (*nodeFlags, error) {
	fs := flag.NewFlagSet("vsrnode", flag.ContinueOnError)
	nf := &nodeFlags{}

	fs.IntVar(&nf.replicaID, "replica-id", -1, "this replica's index in {0,1,2}")
	fs.StringVar(&nf.clusterID, "cluster-id", "", "cluster id as a UUID string")
	fs.StringVar(&nf.bind, "bind", ":7000", "bind address for peer traffic, e.g. 0.0.0.0:7000")
	fs.StringVar(&nf.walPath, "wal", "vsr.wal", "path to this replica's write-ahead log file")
	fs.StringVar(&nf.privateKey, "private-key", "", "this replica's Ed25519 private key, hex-encoded (64 bytes)")
	var peersCSV string
	fs.StringVar(&peersCSV, "peer", "", "comma-separated peer descriptors, id:addr:pubkey_hex,id:addr:pubkey_hex")
	fs.DurationVar(&nf.prepareTimeout, "prepare-timeout", 50*time.Millisecond, "backup prepare timeout")
	fs.DurationVar(&nf.viewChangeTimeout, "view-change-timeout", 300*time.Millisecond, "view change budget")
	fs.IntVar(&nf.maxWALEntries, "max-wal-entries", 1_000_000, "WAL capacity, in (0, 10000000]")
	fs.IntVar(&nf.queueCapacity, "queue-capacity", 4096, "bounded submission queue capacity")
	fs.IntVar(&nf.logTransferCap, "log-transfer-cap", 10_000, "max WAL entries carried in a view-change log transfer")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if peersCSV != "" {
		nf.peers = strings.Split(peersCSV, ",")
	}
	return nf, nil
}

// toReplicaConfig validates the raw flags and builds a replica.Config plus
// the address book this process needs for dialing peers (the address book
// itself is this package's concern, not replica.Config's — the consensus
// core has no notion of network addresses, only replica ids and keys).
func (nf *nodeFlags) toReplicaConfig() (replica.Config, map[uint8]string, error) {
	if nf.replicaID < 0 || nf.replicaID > 2 {
		return replica.Config{}, nil, fmt.Errorf("vsrnode: -replica-id must be 0, 1 or 2")
	}
	clusterID, err := uuid.Parse(nf.clusterID)
	if err != nil {
		return replica.Config{}, nil, fmt.Errorf("vsrnode: -cluster-id: %w", err)
	}
	skBytes, err := hex.DecodeString(nf.privateKey)
	if err != nil || len(skBytes) != ed25519.PrivateKeySize {
		return replica.Config{}, nil, fmt.Errorf("vsrnode: -private-key must be %d hex bytes", ed25519.PrivateKeySize)
	}
	sk := ed25519.PrivateKey(skBytes)
	pub, ok := sk.Public().(ed25519.PublicKey)
	if !ok {
		return replica.Config{}, nil, fmt.Errorf("vsrnode: derived public key has unexpected type")
	}

	if len(nf.peers) != 2 {
		return replica.Config{}, nil, fmt.Errorf("vsrnode: expected exactly 2 -peer flags, got %d", len(nf.peers))
	}
	var peers [2]replica.PeerDescriptor
	addrs := make(map[uint8]string, 2)
	for i, raw := range nf.peers {
		pf, err := parsePeerFlag(raw)
		if err != nil {
			return replica.Config{}, nil, err
		}
		peers[i] = replica.PeerDescriptor{ID: pf.id, PublicKey: pf.pubKey}
		addrs[pf.id] = pf.addr
	}

	cfg := replica.Config{
		ClusterID:         clusterID,
		ReplicaID:         uint8(nf.replicaID),
		Peers:             peers,
		PrivateKey:        sk,
		PublicKey:         pub,
		PrepareTimeout:    nf.prepareTimeout,
		ViewChangeTimeout: nf.viewChangeTimeout,
		QueueCapacity:     nf.queueCapacity,
		MaxWALEntries:     nf.maxWALEntries,
		LogTransferCap:    nf.logTransferCap,
	}
	if err := cfg.Validate(); err != nil {
		return replica.Config{}, nil, fmt.Errorf("vsrnode: %w", err)
	}
	return cfg, addrs, nil
}
