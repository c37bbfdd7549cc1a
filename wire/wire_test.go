package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func sampleMessage() *Message {
	return &Message{
		RoomID:         uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		MsgID:          uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		AuthorID:       7,
		ParentID:       uuid.Nil,
		TimestampUs:    1000,
		ClientSequence: 1,
		Flags:          0,
		Body:           []byte("hello"),
	}
}

func TestMessageSizeIs2368(t *testing.T) {
	if MessageSize != 2368 {
		t.Fatalf("MessageSize = %d, want 2368", MessageSize)
	}
	if MessageSize%16 != 0 {
		t.Fatalf("MessageSize %d is not 16-byte aligned", MessageSize)
	}
}

func TestMessageOffsetsPinned(t *testing.T) {
	cases := []struct {
		name string
		off  int
	}{
		{"room_id", offRoomID},
		{"msg_id", offMsgID},
		{"author_id", offAuthorID},
		{"parent_id", offParentID},
		{"timestamp_us", offTimestampUs},
		{"client_sequence", offClientSeq},
		{"body_len", offBodyLen},
		{"flags", offFlags},
		{"body", offBody},
		{"prev_hash", offPrevHash},
		{"checksum", offChecksum},
		{"reserved", offReserved},
	}
	want := map[string]int{
		"room_id": 0, "msg_id": 16, "author_id": 32, "parent_id": 40,
		"timestamp_us": 56, "client_sequence": 64, "body_len": 72,
		"flags": 76, "body": 80, "prev_hash": 2128, "checksum": 2160,
		"reserved": 2164,
	}
	for _, c := range cases {
		if c.off != want[c.name] {
			t.Fatalf("offset of %s = %d, want %d", c.name, c.off, want[c.name])
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := sampleMessage()
	buf, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != MessageSize {
		t.Fatalf("encoded length %d, want %d", len(buf), MessageSize)
	}

	got, err := DecodeMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.RoomID != m.RoomID || got.MsgID != m.MsgID || got.AuthorID != m.AuthorID ||
		got.TimestampUs != m.TimestampUs || got.ClientSequence != m.ClientSequence ||
		!bytes.Equal(got.Body, m.Body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestEqualLogicalContentProducesEqualBytes(t *testing.T) {
	a := sampleMessage()
	b := sampleMessage()
	bufA, err := a.Encode()
	if err != nil {
		t.Fatal(err)
	}
	bufB, err := b.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bufA, bufB) {
		t.Fatal("equal logical content produced different bytes")
	}
}

func TestBodyPaddingIsZeroed(t *testing.T) {
	m := sampleMessage()
	buf, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	tail := buf[offBody+len(m.Body) : offBody+MaxBodyLen]
	for i, b := range tail {
		if b != 0 {
			t.Fatalf("body padding byte %d is %d, want 0", i, b)
		}
	}
}

func TestReservedIsZeroed(t *testing.T) {
	m := sampleMessage()
	buf, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range buf[offReserved:] {
		if b != 0 {
			t.Fatalf("reserved byte %d is %d, want 0", i, b)
		}
	}
}

func TestBodyTooLongRejected(t *testing.T) {
	m := sampleMessage()
	m.Body = make([]byte, MaxBodyLen+1)
	if _, err := m.Encode(); err == nil {
		t.Fatal("expected error for body exceeding MaxBodyLen")
	}
}

func TestMessageChecksumCoversAllPrecedingBytes(t *testing.T) {
	m := sampleMessage()
	buf, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	ok, err := VerifyMessageChecksum(buf)
	if err != nil || !ok {
		t.Fatalf("checksum did not verify: ok=%v err=%v", ok, err)
	}

	// Flip a bit in prev_hash, which precedes the checksum: must invalidate it.
	buf[offPrevHash] ^= 0x01
	ok, err = VerifyMessageChecksum(buf)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("checksum verified after tampering with prev_hash")
	}
}

func TestHeaderSizeIs128(t *testing.T) {
	if HeaderSize != 128 {
		t.Fatalf("HeaderSize = %d, want 128", HeaderSize)
	}
}

func TestHeaderOffsetsPinned(t *testing.T) {
	if hOffMagic != 0 {
		t.Fatalf("magic offset = %d, want 0", hOffMagic)
	}
	if hOffChecksum != 8 {
		t.Fatalf("checksum offset = %d, want 8", hOffChecksum)
	}
	if hChecksumDomain != 12 {
		t.Fatalf("checksum domain start = %d, want 12", hChecksumDomain)
	}
	// u64 fields must sit on 8-byte boundaries.
	for name, off := range map[string]int{"nonce": hOffNonce, "timestamp": hOffTimestamp, "op": hOffOp, "commit_num": hOffCommitNum} {
		if off%8 != 0 {
			t.Fatalf("%s offset %d is not 8-byte aligned", name, off)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Version:   ProtocolVersion,
		Command:   CommandPrepare,
		SenderID:  1,
		Checksum:  0xDEADBEEF,
		TotalSize: 1024,
		Nonce:     42,
		Timestamp: 123456,
		ClusterID: uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		View:      5,
		Op:        9,
		CommitNum: 8,
	}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("encoded length %d, want %d", len(buf), HeaderSize)
	}
	if HeaderMagic(buf) != Magic {
		t.Fatalf("magic = %#x, want %#x", HeaderMagic(buf), Magic)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestEntrySizeAndChecksum(t *testing.T) {
	if EntryHeaderSize != 16 {
		t.Fatalf("EntryHeaderSize = %d, want 16", EntryHeaderSize)
	}
	if EntrySize != EntryHeaderSize+MessageSize {
		t.Fatalf("EntrySize = %d, want %d", EntrySize, EntryHeaderSize+MessageSize)
	}

	m := sampleMessage()
	buf, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	cs := EntryChecksum(1, buf)

	eh := &EntryHeader{Op: 1, Checksum: cs}
	ehBuf := eh.Encode()
	got, err := DecodeEntryHeader(ehBuf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Op != 1 || got.Checksum != cs {
		t.Fatalf("entry header round trip mismatch: %+v", got)
	}
}
