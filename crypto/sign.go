// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Ed25519 key and signature widths, fixed by the algorithm and used by the
// transport envelope layout.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
)

// KeyPair is a replica's or peer's Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair produces a fresh random keypair. Used by operator tooling
// and tests, never on the steady-state send/receive path.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed is deterministic: the same 32-byte seed always yields the
// same keypair. Used in simulation and tests where reproducibility matters.
func KeyPairFromSeed(seed [ed25519.SeedSize]byte) KeyPair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return KeyPair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}
}

// Sign signs msg with sk, returning a 64-byte signature.
func Sign(msg []byte, sk ed25519.PrivateKey) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pk.
// It does not panic on malformed keys; callers in this module are expected
// to have validated key lengths at configuration load time.
func Verify(msg, sig []byte, pk ed25519.PublicKey) bool {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pk, msg, sig)
}
