// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"

	"github.com/chatcore/vsr/crypto"
)

func crc32cOf(domain []byte) uint32 {
	return crypto.CRC32C(domain)
}

// signEnvelope signs header|body with sk, per §3: "Signature is Ed25519
// over header|body (header's own checksum field set prior to signing)."
func signEnvelope(sk ed25519.PrivateKey, header, body []byte) []byte {
	return crypto.Sign(signedMessage(header, body), sk)
}

func verifyEnvelope(pk ed25519.PublicKey, header, body []byte, sig [SignatureSize]byte) bool {
	return crypto.Verify(signedMessage(header, body), sig[:], pk)
}
