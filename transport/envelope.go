// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/chatcore/vsr/crypto"
	"github.com/chatcore/vsr/wire"
)

// SignatureSize is the Ed25519 signature width appended after the body.
const SignatureSize = crypto.SignatureSize

// Envelope is the on-wire unit: header (128) | body (<=1 MiB) | signature (64).
type Envelope struct {
	Header    *wire.Header
	Body      []byte
	Signature [SignatureSize]byte
}

// Encode serializes the envelope to its wire form: header|body|signature.
func (e *Envelope) Encode() []byte {
	h := e.Header.Encode()
	out := make([]byte, 0, len(h)+len(e.Body)+SignatureSize)
	out = append(out, h...)
	out = append(out, e.Body...)
	out = append(out, e.Signature[:]...)
	return out
}

// DecodeEnvelope splits a raw wire buffer into header, body and signature
// without validating any of them — that is Transport.Verify's job.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < wire.HeaderSize+SignatureSize {
		return nil, fmt.Errorf("transport: envelope too short: %d bytes", len(raw))
	}
	bodyLen := len(raw) - wire.HeaderSize - SignatureSize
	if bodyLen > wire.MaxEnvelopeBodySize {
		return nil, ErrBodyTooLarge
	}

	h, err := wire.DecodeHeader(raw[:wire.HeaderSize])
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		Header: h,
		Body:   append([]byte(nil), raw[wire.HeaderSize:wire.HeaderSize+bodyLen]...),
	}
	copy(e.Signature[:], raw[wire.HeaderSize+bodyLen:])
	return e, nil
}

// signedMessage returns header|body, the byte range the Ed25519 signature
// covers (§3: "Signature is Ed25519 over header|body").
func signedMessage(header []byte, body []byte) []byte {
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out
}

// checksumDomain returns header[12:]+body, the byte range the envelope
// CRC32C covers (§4.4 step 4).
func checksumDomain(header []byte, body []byte) []byte {
	out := make([]byte, 0, len(header)-wire.ChecksumDomain()+len(body))
	out = append(out, header[wire.ChecksumDomain():]...)
	out = append(out, body...)
	return out
}
