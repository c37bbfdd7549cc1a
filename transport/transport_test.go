package transport

import (
	"testing"

	"github.com/chatcore/vsr/crypto"
	"github.com/chatcore/vsr/wire"
	"github.com/google/uuid"
)

func newTestTransports(t *testing.T) (cluster uuid.UUID, transports [3]*Transport) {
	cluster = uuid.MustParse("deadbeef-dead-beef-dead-beefdeadbeef")
	var peerKeys PeerKeys
	kps := make([]crypto.KeyPair, 3)
	for i := 0; i < 3; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		kps[i] = kp
		peerKeys[i] = kp.Public
	}
	for i := 0; i < 3; i++ {
		transports[i] = New(cluster, uint8(i), kps[i].Private, peerKeys, nil)
	}
	return cluster, transports
}

func TestSendVerifyRoundTrip(t *testing.T) {
	_, tr := newTestTransports(t)

	raw, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	env, err := tr[1].Verify(raw)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if string(env.Body) != "hello" {
		t.Fatalf("body = %q, want hello", env.Body)
	}
	if env.Header.SenderID != 0 {
		t.Fatalf("sender id = %d, want 0", env.Header.SenderID)
	}
}

func TestOutboundNonceIncreasesPerSend(t *testing.T) {
	_, tr := newTestTransports(t)
	for i := uint64(1); i <= 3; i++ {
		raw, err := tr[0].Send(wire.CommandPrepare, 0, i, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		env, err := tr[1].Verify(raw)
		if err != nil {
			t.Fatal(err)
		}
		if env.Header.Nonce != i {
			t.Fatalf("nonce = %d, want %d", env.Header.Nonce, i)
		}
	}
}

func TestTamperedBodyFailsChecksumNotSignature(t *testing.T) {
	_, tr := newTestTransports(t)
	raw, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	// Flip one bit in the body.
	raw[wire.HeaderSize] ^= 0x01

	_, err = tr[1].Verify(raw)
	if err != ErrChecksumMismatch {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
	if tr[1].LastSeenNonce(0) != 0 {
		t.Fatal("nonce table mutated by a failed verification")
	}
}

func TestClusterIDMismatchRejected(t *testing.T) {
	_, tr := newTestTransports(t)
	raw, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	other := New(uuid.New(), 1, tr[1].PrivateKey, tr[1].PeerKeys, nil)
	_, err = other.Verify(raw)
	if err != ErrClusterIDMismatch {
		t.Fatalf("got %v, want ErrClusterIDMismatch", err)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	_, tr := newTestTransports(t)
	raw, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the signature tail only; checksum still matches the body.
	raw[len(raw)-1] ^= 0xFF

	_, err = tr[1].Verify(raw)
	if err != ErrInvalidSignature {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
}

func TestReplayedNonceRejectedAfterAccept(t *testing.T) {
	_, tr := newTestTransports(t)
	raw, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	env, err := tr[1].Verify(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !tr[1].AcceptNonce(env.Header.SenderID, env.Header.Nonce) {
		t.Fatal("first nonce should be accepted")
	}
	if tr[1].AcceptNonce(env.Header.SenderID, env.Header.Nonce) {
		t.Fatal("replayed nonce was accepted")
	}
}

func TestInvalidSenderIDRejected(t *testing.T) {
	cluster, tr := newTestTransports(t)
	raw, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	h, err := wire.DecodeHeader(raw[:wire.HeaderSize])
	if err != nil {
		t.Fatal(err)
	}
	h.SenderID = 5
	newHeader := h.Encode()
	copy(raw[:wire.HeaderSize], newHeader)

	_, err = tr[1].Verify(raw)
	if err != ErrInvalidSenderID {
		t.Fatalf("got %v, want ErrInvalidSenderID; cluster=%v", err, cluster)
	}
}

func TestBodyExceedingMaxRejectedOnSend(t *testing.T) {
	_, tr := newTestTransports(t)
	_, err := tr[0].Send(wire.CommandPrepare, 0, 1, 0, make([]byte, wire.MaxEnvelopeBodySize+1))
	if err != ErrBodyTooLarge {
		t.Fatalf("got %v, want ErrBodyTooLarge", err)
	}
}
