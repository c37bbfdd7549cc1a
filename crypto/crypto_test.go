package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func TestCRC32CVectors(t *testing.T) {
	// Published Castagnoli CRC32C test vectors.
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 0x00000000},
		{"123456789", 0xE3069283},
		{"abc", 0x364B3FB7},
	}
	for _, c := range cases {
		got := CRC32C([]byte(c.in))
		if got != c.want {
			t.Fatalf("CRC32C(%q) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestChecksumIncrementalMatchesWhole(t *testing.T) {
	a, b := []byte("hello, "), []byte("room")
	whole := CRC32C(append(append([]byte{}, a...), b...))

	cs := NewChecksum()
	cs.Write(a)
	cs.Write(b)
	if cs.Sum32() != whole {
		t.Fatalf("incremental checksum %#x != whole %#x", cs.Sum32(), whole)
	}
}

func TestSHA256Vectors(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"123456789", "15e2b0d3c33891ebb0f1ef609ec419420c20e320ce94c65fbc8c3312448eb225"},
	}
	for _, c := range cases {
		got := SHA256([]byte(c.in))
		if hex.EncodeToString(got[:]) != c.want {
			t.Fatalf("SHA256(%q) = %x, want %s", c.in, got, c.want)
		}
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("prepare view=0 op=1")
	sig := Sign(msg, kp.Private)
	if !Verify(msg, sig, kp.Public) {
		t.Fatal("valid signature failed to verify")
	}
	if Verify([]byte("tampered"), sig, kp.Public) {
		t.Fatal("signature verified against the wrong message")
	}
}

func TestKeyPairFromSeedDeterministic(t *testing.T) {
	var seed [ed25519.SeedSize]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	a := KeyPairFromSeed(seed)
	b := KeyPairFromSeed(seed)
	if !a.Public.Equal(b.Public) {
		t.Fatal("same seed produced different public keys")
	}
}

func TestPRNGDeterministic(t *testing.T) {
	a := NewPRNG(42)
	b := NewPRNG(42)
	for i := 0; i < 100; i++ {
		if a.Next() != b.Next() {
			t.Fatalf("PRNG streams diverged at step %d", i)
		}
	}
}

func TestPRNGZeroSeedDoesNotStick(t *testing.T) {
	p := NewPRNG(0)
	v1 := p.Next()
	v2 := p.Next()
	if v1 == 0 || v2 == 0 {
		t.Fatal("zero seed produced a stuck-at-zero sequence")
	}
}
