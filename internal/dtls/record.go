package dtls

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// gcmNonceLength is the full AES-GCM nonce: a 4-byte fixed salt plus an
// 8-byte explicit nonce carried on the wire (RFC 5288 Section 3). This
// engine fills the explicit nonce with the record's own
// epoch||sequence_number and sends it ahead of the ciphertext.
const gcmNonceLength = 12
const gcmExplicitNonceLength = 8
const gcmTagLength = 16

// sealRecord encrypts plaintext as the fragment of a DTLS record with the
// given content type, epoch, and sequence number, returning the full wire
// record (header + explicit nonce + ciphertext + tag).
func sealRecord(writeKey, writeSalt []byte, contentType ContentType, epoch uint16, seq uint64, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(writeKey)
	if err != nil {
		return nil, xerrors.Errorf("dtls: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Errorf("dtls: gcm: %w", err)
	}

	explicitNonce := make([]byte, gcmExplicitNonceLength)
	binary.BigEndian.PutUint16(explicitNonce[0:2], epoch)
	putUint48(explicitNonce[2:8], seq)

	nonce := make([]byte, 0, gcmNonceLength)
	nonce = append(nonce, writeSalt...)
	nonce = append(nonce, explicitNonce...)

	hdr := recordHeader{contentType: contentType, epoch: epoch, sequenceNumber: seq}
	additionalData := aeadAssociatedData(hdr, len(plaintext))

	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData)

	fragment := make([]byte, 0, gcmExplicitNonceLength+len(ciphertext))
	fragment = append(fragment, explicitNonce...)
	fragment = append(fragment, ciphertext...)

	hdr.length = uint16(len(fragment))
	return append(hdr.marshal(), fragment...), nil
}

// openRecord decrypts a record fragment (the bytes following the 13-byte
// record header) given its header.
func openRecord(readKey, readSalt []byte, hdr recordHeader, fragment []byte) ([]byte, error) {
	if len(fragment) < gcmExplicitNonceLength+gcmTagLength {
		return nil, xerrors.New("dtls: truncated encrypted record")
	}
	block, err := aes.NewCipher(readKey)
	if err != nil {
		return nil, xerrors.Errorf("dtls: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Errorf("dtls: gcm: %w", err)
	}

	explicitNonce := fragment[:gcmExplicitNonceLength]
	ciphertext := fragment[gcmExplicitNonceLength:]

	nonce := make([]byte, 0, gcmNonceLength)
	nonce = append(nonce, readSalt...)
	nonce = append(nonce, explicitNonce...)

	plaintextLen := len(fragment) - gcmExplicitNonceLength - gcmTagLength
	additionalData := aeadAssociatedData(hdr, plaintextLen)

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, xerrors.Errorf("dtls: record authentication failed: %w", err)
	}
	return plaintext, nil
}

// aeadAssociatedData builds the TLS 1.2 AEAD additional data (RFC 5246
// Section 6.2.3.3): seq_num || type || version || length, where seq_num is
// the 8-byte epoch||sequence_number pair DTLS already carries.
func aeadAssociatedData(hdr recordHeader, plaintextLength int) []byte {
	b := make([]byte, 8+1+2+2)
	binary.BigEndian.PutUint16(b[0:2], hdr.epoch)
	putUint48(b[2:8], hdr.sequenceNumber)
	b[8] = byte(hdr.contentType)
	binary.BigEndian.PutUint16(b[9:11], dtlsVersion)
	binary.BigEndian.PutUint16(b[11:13], uint16(plaintextLength))
	return b
}
