package srtp

import (
	"bytes"
	"testing"

	"github.com/lanikai/p2pcall/internal/rtp"
)

func testKeys() (masterKey, masterSalt []byte) {
	masterKey = bytes.Repeat([]byte{0x11}, 16)
	masterSalt = bytes.Repeat([]byte{0x22}, 14)
	return
}

func TestProtectUnprotectRTPRoundTrip(t *testing.T) {
	masterKey, masterSalt := testKeys()
	tx := NewContext(masterKey, masterSalt)
	rx := NewContext(masterKey, masterSalt)

	hdr := rtp.Header{PayloadType: 96, Sequence: 7, Timestamp: 1000, SSRC: 0xcafe}
	payload := []byte("hello, secure world")

	buf, err := rtp.Encode(hdr, payload)
	if err != nil {
		t.Fatalf("rtp.Encode: %v", err)
	}

	index := uint64(7)
	wire, err := tx.ProtectRTP(buf, hdr, index)
	if err != nil {
		t.Fatalf("ProtectRTP: %v", err)
	}
	if bytes.Contains(wire, payload) {
		t.Fatal("plaintext payload should not appear on the wire")
	}

	got, err := rx.UnprotectRTP(wire, hdr, index)
	if err != nil {
		t.Fatalf("UnprotectRTP: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("UnprotectRTP() = %q, want %q", got, payload)
	}
}

func TestUnprotectRTPRejectsTamperedPacket(t *testing.T) {
	masterKey, masterSalt := testKeys()
	tx := NewContext(masterKey, masterSalt)
	rx := NewContext(masterKey, masterSalt)

	hdr := rtp.Header{PayloadType: 96, Sequence: 1, Timestamp: 1, SSRC: 1}
	buf, err := rtp.Encode(hdr, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("rtp.Encode: %v", err)
	}

	wire, err := tx.ProtectRTP(buf, hdr, 1)
	if err != nil {
		t.Fatalf("ProtectRTP: %v", err)
	}

	wire[hdr.Len()] ^= 0xff // flip a bit in the encrypted payload

	if _, err := rx.UnprotectRTP(wire, hdr, 1); err != ErrAuthFailed {
		t.Fatalf("UnprotectRTP() err = %v, want ErrAuthFailed", err)
	}
}

func TestProtectUnprotectRTCPRoundTrip(t *testing.T) {
	masterKey, masterSalt := testKeys()
	tx := NewContext(masterKey, masterSalt)
	rx := NewContext(masterKey, masterSalt)

	body := []byte("\x81\xc9\x00\x07\x00\x00\x00\x01restofthereport")

	wire, err := tx.ProtectRTCP(append([]byte(nil), body...), 5)
	if err != nil {
		t.Fatalf("ProtectRTCP: %v", err)
	}

	got, index, err := rx.UnprotectRTCP(wire)
	if err != nil {
		t.Fatalf("UnprotectRTCP: %v", err)
	}
	if index != 5 {
		t.Errorf("index = %d, want 5", index)
	}
	if !bytes.Equal(got, body[8:]) {
		t.Errorf("UnprotectRTCP() = %x, want %x", got, body[8:])
	}
}
