// Package dtls implements a minimal DTLS 1.2 handshake (RFC 6347) with the
// use_srtp extension (RFC 5764), enough to establish a shared master secret
// with a WebRTC-compatible peer and export SRTP keying material. It is a
// sans-IO engine: callers feed it received datagrams and pull pending
// outbound records and decrypted application data explicitly, so the
// session runtime owns the UDP socket and scheduling.
package dtls

import (
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"
)

// ContentType is the DTLS record content type (RFC 6347 Section 4.1).
type ContentType uint8

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

// HandshakeType identifies a handshake message body (RFC 5246 Section 7.4).
type HandshakeType uint8

const (
	HandshakeTypeHelloRequest       HandshakeType = 0
	HandshakeTypeClientHello        HandshakeType = 1
	HandshakeTypeServerHello        HandshakeType = 2
	HandshakeTypeHelloVerifyRequest HandshakeType = 3
	HandshakeTypeCertificate        HandshakeType = 11
	HandshakeTypeServerKeyExchange  HandshakeType = 12
	HandshakeTypeCertificateRequest HandshakeType = 13
	HandshakeTypeServerHelloDone    HandshakeType = 14
	HandshakeTypeCertificateVerify  HandshakeType = 15
	HandshakeTypeClientKeyExchange  HandshakeType = 16
	HandshakeTypeFinished           HandshakeType = 20
)

// ExtensionType identifies a ClientHello/ServerHello extension.
type ExtensionType uint16

const (
	ExtensionSignatureAlgorithms ExtensionType = 13
	ExtensionUseSRTP             ExtensionType = 14
	ExtensionSupportedGroups     ExtensionType = 10
)

// cipherSuite is the two-byte IANA TLS cipher suite identifier.
type cipherSuite [2]uint8

// CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256 is the only cipher suite this
// engine offers or accepts.
var CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256 = cipherSuite{0xC0, 0x2B}

// protectionProfile is an SRTP protection profile identifier (RFC 5764
// Section 4.1.2).
type protectionProfile [2]uint8

// ProfileAES128CmHmacSha1_80 is the only SRTP profile this engine offers.
var ProfileAES128CmHmacSha1_80 = protectionProfile{0x00, 0x01}

const (
	sigHashSHA256 = 0x04
	sigAlgECDSA   = 0x03
)

// dtlsVersion is DTLS 1.2, encoded per RFC 6347 as the one's complement of
// the equivalent TLS version (1.2 = {3,3} -> {254,253}).
const dtlsVersion = uint16(0xfefd)

const recordHeaderLength = 13  // type(1) version(2) epoch(2) seq(6) length(2)
const handshakeHeaderLength = 12 // type(1) length(3) seq(2) fragOffset(3) fragLen(3)

type recordHeader struct {
	contentType    ContentType
	epoch          uint16
	sequenceNumber uint64 // 48-bit
	length         uint16
}

func (h recordHeader) marshal() []byte {
	b := make([]byte, recordHeaderLength)
	b[0] = byte(h.contentType)
	binary.BigEndian.PutUint16(b[1:3], dtlsVersion)
	binary.BigEndian.PutUint16(b[3:5], h.epoch)
	putUint48(b[5:11], h.sequenceNumber)
	binary.BigEndian.PutUint16(b[11:13], h.length)
	return b
}

func parseRecordHeader(b []byte) (recordHeader, error) {
	if len(b) < recordHeaderLength {
		return recordHeader{}, xerrors.New("dtls: truncated record header")
	}
	return recordHeader{
		contentType:    ContentType(b[0]),
		epoch:          binary.BigEndian.Uint16(b[3:5]),
		sequenceNumber: uint48(b[5:11]),
		length:         binary.BigEndian.Uint16(b[11:13]),
	}, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

type handshakeHeader struct {
	messageType     HandshakeType
	length          uint32 // 24-bit
	messageSeq      uint16
	fragmentOffset  uint32 // 24-bit
	fragmentLength  uint32 // 24-bit
}

func (h handshakeHeader) marshal() []byte {
	b := make([]byte, handshakeHeaderLength)
	b[0] = byte(h.messageType)
	putUint24(b[1:4], h.length)
	binary.BigEndian.PutUint16(b[4:6], h.messageSeq)
	putUint24(b[6:9], h.fragmentOffset)
	putUint24(b[9:12], h.fragmentLength)
	return b
}

func parseHandshakeHeader(b []byte) (handshakeHeader, error) {
	if len(b) < handshakeHeaderLength {
		return handshakeHeader{}, xerrors.New("dtls: truncated handshake header")
	}
	return handshakeHeader{
		messageType:    HandshakeType(b[0]),
		length:         uint24(b[1:4]),
		messageSeq:     binary.BigEndian.Uint16(b[4:6]),
		fragmentOffset: uint24(b[6:9]),
		fragmentLength: uint24(b[9:12]),
	}, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// handshakeRandom is the 32-byte Random structure (RFC 5246 Section 7.4.1.2).
type handshakeRandom struct {
	gmtUnixTime uint32
	bytes       [28]byte
}

func (r handshakeRandom) marshal() []byte {
	b := make([]byte, 32)
	binary.BigEndian.PutUint32(b[0:4], r.gmtUnixTime)
	copy(b[4:32], r.bytes[:])
	return b
}

func parseHandshakeRandom(b []byte) (handshakeRandom, error) {
	if len(b) < 32 {
		return handshakeRandom{}, xerrors.New("dtls: truncated random")
	}
	var r handshakeRandom
	r.gmtUnixTime = binary.BigEndian.Uint32(b[0:4])
	copy(r.bytes[:], b[4:32])
	return r, nil
}

func newHandshakeRandom(now time.Time, randBytes [28]byte) handshakeRandom {
	return handshakeRandom{gmtUnixTime: uint32(now.Unix()), bytes: randBytes}
}

type clientHelloBody struct {
	random             handshakeRandom
	sessionID          []byte
	cookie             []byte
	cipherSuites       []cipherSuite
	compressionMethods []uint8
	extensions         []extension
}

func (c clientHelloBody) marshal() []byte {
	var b []byte
	b = appendUint16(b, dtlsVersion)
	b = append(b, c.random.marshal()...)
	b = appendUint8LenPrefixed(b, c.sessionID)
	b = appendUint8LenPrefixed(b, c.cookie)

	cs := make([]byte, 0, 2*len(c.cipherSuites))
	for _, s := range c.cipherSuites {
		cs = append(cs, s[0], s[1])
	}
	b = appendUint16(b, uint16(len(cs)))
	b = append(b, cs...)

	b = appendUint8LenPrefixed(b, c.compressionMethods)
	b = append(b, marshalExtensions(c.extensions)...)
	return b
}

func parseClientHello(b []byte) (clientHelloBody, error) {
	var c clientHelloBody
	if len(b) < 2+32+1 {
		return c, xerrors.New("dtls: truncated ClientHello")
	}
	off := 2 // skip client_version, already negotiated at dtlsVersion
	r, err := parseHandshakeRandom(b[off:])
	if err != nil {
		return c, err
	}
	c.random = r
	off += 32

	var ok bool
	c.sessionID, off, ok = readUint8LenPrefixed(b, off)
	if !ok {
		return c, xerrors.New("dtls: truncated ClientHello session_id")
	}
	c.cookie, off, ok = readUint8LenPrefixed(b, off)
	if !ok {
		return c, xerrors.New("dtls: truncated ClientHello cookie")
	}

	if off+2 > len(b) {
		return c, xerrors.New("dtls: truncated ClientHello cipher_suites")
	}
	csLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+csLen > len(b) {
		return c, xerrors.New("dtls: truncated ClientHello cipher_suites")
	}
	for i := 0; i+1 < csLen; i += 2 {
		c.cipherSuites = append(c.cipherSuites, cipherSuite{b[off+i], b[off+i+1]})
	}
	off += csLen

	var compression []byte
	compression, off, ok = readUint8LenPrefixed(b, off)
	if !ok {
		return c, xerrors.New("dtls: truncated ClientHello compression_methods")
	}
	c.compressionMethods = compression

	if off < len(b) {
		exts, err := parseExtensions(b[off:])
		if err != nil {
			return c, err
		}
		c.extensions = exts
	}
	return c, nil
}

type helloVerifyRequestBody struct {
	cookie []byte
}

func (h helloVerifyRequestBody) marshal() []byte {
	var b []byte
	b = appendUint16(b, dtlsVersion)
	b = appendUint8LenPrefixed(b, h.cookie)
	return b
}

func parseHelloVerifyRequest(b []byte) (helloVerifyRequestBody, error) {
	if len(b) < 3 {
		return helloVerifyRequestBody{}, xerrors.New("dtls: truncated HelloVerifyRequest")
	}
	cookie, _, ok := readUint8LenPrefixed(b, 2)
	if !ok {
		return helloVerifyRequestBody{}, xerrors.New("dtls: truncated HelloVerifyRequest cookie")
	}
	return helloVerifyRequestBody{cookie: cookie}, nil
}

type serverHelloBody struct {
	random            handshakeRandom
	sessionID         []byte
	cipherSuite       cipherSuite
	compressionMethod uint8
	extensions        []extension
}

func (s serverHelloBody) marshal() []byte {
	var b []byte
	b = appendUint16(b, dtlsVersion)
	b = append(b, s.random.marshal()...)
	b = appendUint8LenPrefixed(b, s.sessionID)
	b = append(b, s.cipherSuite[0], s.cipherSuite[1])
	b = append(b, s.compressionMethod)
	b = append(b, marshalExtensions(s.extensions)...)
	return b
}

func parseServerHello(b []byte) (serverHelloBody, error) {
	var s serverHelloBody
	if len(b) < 2+32+1 {
		return s, xerrors.New("dtls: truncated ServerHello")
	}
	off := 2
	r, err := parseHandshakeRandom(b[off:])
	if err != nil {
		return s, err
	}
	s.random = r
	off += 32

	var ok bool
	s.sessionID, off, ok = readUint8LenPrefixed(b, off)
	if !ok {
		return s, xerrors.New("dtls: truncated ServerHello session_id")
	}
	if off+3 > len(b) {
		return s, xerrors.New("dtls: truncated ServerHello cipher_suite")
	}
	s.cipherSuite = cipherSuite{b[off], b[off+1]}
	s.compressionMethod = b[off+2]
	off += 3

	if off < len(b) {
		exts, err := parseExtensions(b[off:])
		if err != nil {
			return s, err
		}
		s.extensions = exts
	}
	return s, nil
}

// certificateBody carries one or more DER-encoded X.509 certificates.
type certificateBody struct {
	certificates [][]byte
}

func (c certificateBody) marshal() []byte {
	var list []byte
	for _, der := range c.certificates {
		list = appendUint24LenPrefixed(list, der)
	}
	return appendUint24LenPrefixedBytes(list)
}

func parseCertificate(b []byte) (certificateBody, error) {
	if len(b) < 3 {
		return certificateBody{}, xerrors.New("dtls: truncated Certificate")
	}
	total := int(uint24(b[0:3]))
	if 3+total > len(b) {
		return certificateBody{}, xerrors.New("dtls: truncated Certificate list")
	}
	var c certificateBody
	off := 3
	end := 3 + total
	for off < end {
		if off+3 > end {
			return certificateBody{}, xerrors.New("dtls: truncated Certificate entry")
		}
		n := int(uint24(b[off : off+3]))
		off += 3
		if off+n > end {
			return certificateBody{}, xerrors.New("dtls: truncated Certificate entry")
		}
		c.certificates = append(c.certificates, append([]byte(nil), b[off:off+n]...))
		off += n
	}
	return c, nil
}

// serverKeyExchangeBody carries the ECDHE public key and its signature,
// in the named-curve ECParameters form (RFC 4492); the explicit-curve
// forms are neither written nor accepted.
type serverKeyExchangeBody struct {
	namedCurve       uint16 // RFC 8422 NamedGroup (x25519 = 0x001D)
	publicKey        []byte
	signatureHash    uint8
	signatureAlg     uint8
	signature        []byte
}

func (s serverKeyExchangeBody) marshal() []byte {
	var b []byte
	b = append(b, 0x03) // curve_type = named_curve
	b = appendUint16(b, s.namedCurve)
	b = appendUint8LenPrefixed(b, s.publicKey)
	b = append(b, s.signatureHash, s.signatureAlg)
	b = appendUint16LenPrefixed(b, s.signature)
	return b
}

func parseServerKeyExchange(b []byte) (serverKeyExchangeBody, error) {
	var s serverKeyExchangeBody
	if len(b) < 1+2+1 {
		return s, xerrors.New("dtls: truncated ServerKeyExchange")
	}
	if b[0] != 0x03 {
		return s, xerrors.New("dtls: unsupported ECCurveType")
	}
	s.namedCurve = binary.BigEndian.Uint16(b[1:3])
	off := 3
	var ok bool
	s.publicKey, off, ok = readUint8LenPrefixed(b, off)
	if !ok {
		return s, xerrors.New("dtls: truncated ServerKeyExchange public key")
	}
	if off+2 > len(b) {
		return s, xerrors.New("dtls: truncated ServerKeyExchange signature algorithm")
	}
	s.signatureHash, s.signatureAlg = b[off], b[off+1]
	off += 2
	sig, _, ok := readUint16LenPrefixed(b, off)
	if !ok {
		return s, xerrors.New("dtls: truncated ServerKeyExchange signature")
	}
	s.signature = sig
	return s, nil
}

type clientKeyExchangeBody struct {
	publicKey []byte
}

func (c clientKeyExchangeBody) marshal() []byte {
	return appendUint8LenPrefixed(nil, c.publicKey)
}

func parseClientKeyExchange(b []byte) (clientKeyExchangeBody, error) {
	pub, _, ok := readUint8LenPrefixed(b, 0)
	if !ok {
		return clientKeyExchangeBody{}, xerrors.New("dtls: truncated ClientKeyExchange")
	}
	return clientKeyExchangeBody{publicKey: pub}, nil
}

type finishedBody struct {
	verifyData []byte
}

func (f finishedBody) marshal() []byte {
	return append([]byte(nil), f.verifyData...)
}

// extension is a generic ClientHello/ServerHello extension (RFC 5246
// Section 7.4.1.4).
type extension struct {
	extensionType ExtensionType
	data          []byte
}

func marshalExtensions(exts []extension) []byte {
	var body []byte
	for _, e := range exts {
		body = appendUint16(body, uint16(e.extensionType))
		body = appendUint16LenPrefixed(body, e.data)
	}
	return appendUint16LenPrefixedBytes(body)
}

func parseExtensions(b []byte) ([]extension, error) {
	if len(b) < 2 {
		return nil, nil
	}
	total := int(binary.BigEndian.Uint16(b[0:2]))
	off := 2
	end := off + total
	if end > len(b) {
		return nil, xerrors.New("dtls: truncated extensions")
	}
	var exts []extension
	for off < end {
		if off+4 > end {
			return nil, xerrors.New("dtls: truncated extension header")
		}
		et := ExtensionType(binary.BigEndian.Uint16(b[off : off+2]))
		n := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		off += 4
		if off+n > end {
			return nil, xerrors.New("dtls: truncated extension data")
		}
		exts = append(exts, extension{et, append([]byte(nil), b[off:off+n]...)})
		off += n
	}
	return exts, nil
}

func findExtension(exts []extension, t ExtensionType) ([]byte, bool) {
	for _, e := range exts {
		if e.extensionType == t {
			return e.data, true
		}
	}
	return nil, false
}

func useSRTPExtension(profiles []protectionProfile) extension {
	var body []byte
	pp := make([]byte, 0, 2*len(profiles))
	for _, p := range profiles {
		pp = append(pp, p[0], p[1])
	}
	body = appendUint16(body, uint16(len(pp)))
	body = append(body, pp...)
	body = appendUint8LenPrefixed(body, nil) // empty MKI
	return extension{ExtensionUseSRTP, body}
}

func parseUseSRTP(data []byte) ([]protectionProfile, error) {
	if len(data) < 2 {
		return nil, xerrors.New("dtls: truncated use_srtp extension")
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if 2+n > len(data) {
		return nil, xerrors.New("dtls: truncated use_srtp profile list")
	}
	var profiles []protectionProfile
	for i := 0; i+1 < n; i += 2 {
		profiles = append(profiles, protectionProfile{data[2+i], data[2+i+1]})
	}
	return profiles, nil
}

func signatureAlgorithmsExtension() extension {
	body := []byte{0x00, 0x02, sigHashSHA256, sigAlgECDSA}
	return extension{ExtensionSignatureAlgorithms, body}
}

func supportedGroupsExtension() extension {
	// x25519 = 0x001D (RFC 8422 / RFC 8446 NamedGroup registry)
	body := []byte{0x00, 0x02, 0x00, 0x1D}
	return extension{ExtensionSupportedGroups, body}
}

func appendUint8LenPrefixed(b []byte, v []byte) []byte {
	b = append(b, uint8(len(v)))
	return append(b, v...)
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendUint16LenPrefixed(b []byte, v []byte) []byte {
	b = appendUint16(b, uint16(len(v)))
	return append(b, v...)
}

func appendUint16LenPrefixedBytes(body []byte) []byte {
	out := appendUint16(nil, uint16(len(body)))
	return append(out, body...)
}

func appendUint24LenPrefixed(b []byte, v []byte) []byte {
	n := make([]byte, 3)
	putUint24(n, uint32(len(v)))
	b = append(b, n...)
	return append(b, v...)
}

func appendUint24LenPrefixedBytes(body []byte) []byte {
	n := make([]byte, 3)
	putUint24(n, uint32(len(body)))
	return append(n, body...)
}

func readUint8LenPrefixed(b []byte, off int) (value []byte, next int, ok bool) {
	if off >= len(b) {
		return nil, off, false
	}
	n := int(b[off])
	off++
	if off+n > len(b) {
		return nil, off, false
	}
	return append([]byte(nil), b[off:off+n]...), off + n, true
}

func readUint16LenPrefixed(b []byte, off int) (value []byte, next int, ok bool) {
	if off+2 > len(b) {
		return nil, off, false
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+n > len(b) {
		return nil, off, false
	}
	return append([]byte(nil), b[off:off+n]...), off + n, true
}
