// Package srtp implements Secure RTP (RFC 3711): per-packet encryption and
// authentication of RTP and RTCP traffic using keys exported from the DTLS
// handshake.
package srtp

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash"
	"sync"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/logging"
	"github.com/lanikai/p2pcall/internal/rtp"
)

var log = logging.DefaultLogger.WithTag("srtp")

// Default SRTP key management parameters. See RFC 3711 Section 8.2.
const (
	authKeyLength    = 20 // n_a = 160 bits
	authTagLength    = 10 // n_tag = 80 bits
	encryptKeyLength = 16 // n_e = 128 bits
	saltKeyLength    = 14 // n_s = 112 bits

	// E-flag combined with the SRTCP index.
	eFlagMask = 1 << 31
)

var (
	ErrPacketTooShort = xerrors.New("srtp: packet too short")
	ErrAuthFailed     = xerrors.New("srtp: authentication failed")
)

type encryptFunc func(payload []byte, ssrc uint32, index uint64)
type authFunc func(m []byte) []byte

// Context holds one direction's worth of SRTP and SRTCP session keys,
// derived from a single (master key, master salt) pair via the DTLS-SRTP
// exporter. A session holds two contexts: one for outbound traffic, one
// for inbound.
type Context struct {
	encryptSRTP       encryptFunc
	encryptSRTCP      encryptFunc
	authenticateSRTP  authFunc
	authenticateSRTCP authFunc
}

// NewContext derives session keys from masterKey and masterSalt per RFC
// 3711 Section 4.3.
func NewContext(masterKey, masterSalt []byte) *Context {
	var (
		srtpEncryptKey  = deriveKey(masterKey, masterSalt, 0x00, encryptKeyLength)
		srtpAuthKey     = deriveKey(masterKey, masterSalt, 0x01, authKeyLength)
		srtpSaltKey     = deriveKey(masterKey, masterSalt, 0x02, saltKeyLength)
		srtcpEncryptKey = deriveKey(masterKey, masterSalt, 0x03, encryptKeyLength)
		srtcpAuthKey    = deriveKey(masterKey, masterSalt, 0x04, authKeyLength)
		srtcpSaltKey    = deriveKey(masterKey, masterSalt, 0x05, saltKeyLength)
	)
	return &Context{
		encryptSRTP:       aesCounterMode(srtpEncryptKey, srtpSaltKey),
		encryptSRTCP:      aesCounterMode(srtcpEncryptKey, srtcpSaltKey),
		authenticateSRTP:  hmacSHA1(srtpAuthKey),
		authenticateSRTCP: hmacSHA1(srtcpAuthKey),
	}
}

// ProtectRTP encrypts the payload of a serialized RTP packet (header and
// payload, as produced by rtp.Encode) and returns it with the SRTP
// authentication tag appended. index is the packet's 48-bit extended
// sequence number, from rtp.Writer.Next.
func (c *Context) ProtectRTP(buf []byte, hdr rtp.Header, index uint64) ([]byte, error) {
	payloadStart := hdr.Len()
	if payloadStart > len(buf) {
		return nil, ErrPacketTooShort
	}
	c.encryptSRTP(buf[payloadStart:], hdr.SSRC, trunc(index, 48))

	// Per RFC 3711 Section 4.2, M = Authenticated Portion || ROC.
	m := make([]byte, len(buf)+4)
	copy(m, buf)
	binary.BigEndian.PutUint32(m[len(buf):], uint32(index>>16))
	tag := c.authenticateSRTP(m)

	return append(buf, tag...), nil
}

// UnprotectRTP verifies the authentication tag of an SRTP packet and
// decrypts its payload in place. buf is the full wire packet, including
// the RTP header. index is the packet's extended sequence number, from
// rtp.Reader.Accept. Returns ErrAuthFailed if the tag does not match,
// without mutating buf.
func (c *Context) UnprotectRTP(buf []byte, hdr rtp.Header, index uint64) ([]byte, error) {
	payloadStart := hdr.Len()
	tagStart := len(buf) - authTagLength
	if tagStart < payloadStart {
		return nil, ErrPacketTooShort
	}

	// Temporarily replace the tag with the ROC to compute the expected
	// value, then restore it before comparing.
	saved := binary.BigEndian.Uint32(buf[tagStart:])
	binary.BigEndian.PutUint32(buf[tagStart:], uint32(index>>16))
	tag := c.authenticateSRTP(buf[:tagStart+4])
	binary.BigEndian.PutUint32(buf[tagStart:], saved)
	if !bytes.Equal(tag, buf[tagStart:]) {
		log.Debug("SRTP authentication failed for ssrc %d at index %d", hdr.SSRC, index)
		return nil, ErrAuthFailed
	}

	payload := buf[payloadStart:tagStart]
	c.encryptSRTP(payload, hdr.SSRC, trunc(index, 48))
	return payload, nil
}

// ProtectRTCP encrypts a serialized RTCP packet (everything after the
// 8-byte fixed header) and returns it with the SRTCP index and
// authentication tag appended, per RFC 3711 Section 3.4 and RFC 5506
// Section 3.4.3.
func (c *Context) ProtectRTCP(buf []byte, index uint64) ([]byte, error) {
	if len(buf) < 8 {
		return nil, ErrPacketTooShort
	}
	ssrc := binary.BigEndian.Uint32(buf[4:8])
	c.encryptSRTCP(buf[8:], ssrc, trunc(index, 31))

	buf = append(buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], eFlagMask|uint32(index))
	tag := c.authenticateSRTCP(buf)
	return append(buf, tag...), nil
}

// UnprotectRTCP verifies and decrypts an SRTCP packet, returning the
// decrypted RTCP payload and the SRTCP index it carried.
func (c *Context) UnprotectRTCP(buf []byte) ([]byte, uint64, error) {
	tagStart := len(buf) - authTagLength
	indexStart := tagStart - 4
	if indexStart < 8 {
		return nil, 0, ErrPacketTooShort
	}

	tag := c.authenticateSRTCP(buf[:tagStart])
	if !bytes.Equal(tag, buf[tagStart:]) {
		log.Debug("SRTCP authentication failed")
		return nil, 0, ErrAuthFailed
	}

	index := uint64(binary.BigEndian.Uint32(buf[indexStart:]))
	if index&eFlagMask == 0 {
		return buf[8:indexStart], index, nil
	}
	index &^= eFlagMask

	ssrc := binary.BigEndian.Uint32(buf[4:8])
	payload := buf[8:indexStart]
	c.encryptSRTCP(payload, ssrc, index)
	return payload, index, nil
}

// deriveKey implements the SRTP key derivation function of RFC 3711
// Section 4.3, with key derivation rate 0 (keys never re-derive mid
// session).
func deriveKey(masterKey, masterSalt []byte, label byte, n int) []byte {
	x := append([]byte(nil), masterSalt...)
	x[len(x)-7] ^= label

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		panic(err)
	}
	iv := padRight(x, aes.BlockSize)
	prf := cipher.NewCTR(block, iv)

	key := make([]byte, n)
	prf.XORKeyStream(key, key)
	return key
}

// aesCounterMode is the default SRTP encryption transform (RFC 3711
// Section 4.1.1).
func aesCounterMode(key, salt []byte) encryptFunc {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	ivPool := sync.Pool{New: func() interface{} { return make([]byte, aes.BlockSize) }}

	return func(payload []byte, ssrc uint32, index uint64) {
		iv := ivPool.Get().([]byte)
		defer ivPool.Put(iv)

		copy(iv, salt)
		clearBytes(iv[len(salt):])
		xor32(iv[4:], ssrc)
		xor64(iv[6:], index)

		cipher.NewCTR(block, iv).XORKeyStream(payload, payload)
	}
}

// hmacSHA1 is the default SRTP authentication transform (RFC 3711 Section
// 4.2), truncated to authTagLength bytes.
func hmacSHA1(authKey []byte) authFunc {
	pool := sync.Pool{New: func() interface{} { return hmac.New(sha1.New, authKey) }}
	return func(m []byte) []byte {
		mac := pool.Get().(hash.Hash)
		mac.Write(m)
		tag := mac.Sum(nil)[:authTagLength]
		mac.Reset()
		pool.Put(mac)
		return tag
	}
}

func trunc(v uint64, n uint8) uint64 {
	return v & (1<<n - 1)
}

func xor32(buf []byte, v uint32) {
	buf[0] ^= byte(v >> 24)
	buf[1] ^= byte(v >> 16)
	buf[2] ^= byte(v >> 8)
	buf[3] ^= byte(v)
}

func xor64(buf []byte, v uint64) {
	xor32(buf[0:4], uint32(v>>32))
	xor32(buf[4:8], uint32(v))
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func padRight(b []byte, n int) []byte {
	if len(b) < n {
		b = append(b, make([]byte, n-len(b))...)
	}
	return b
}
