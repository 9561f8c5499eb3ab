// Package ice implements a simplified Interactive Connectivity
// Establishment agent: candidate gathering over STUN and TURN, pair
// formation, and a best-pair selector, in place of full RFC 8445
// connectivity checks.
package ice

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"

	"golang.org/x/xerrors"
)

// STUN (RFC 5389) message classes.
const (
	classRequest         = 0x00
	classIndication      = 0x01
	classSuccessResponse = 0x02
	classErrorResponse   = 0x03
)

const methodBinding = 0x001
const methodAllocate = 0x003 // RFC 5766 TURN

const headerLength = 20
const magicCookie = 0x2112A442

var magicCookieBytes = []byte{0x21, 0x12, 0xA4, 0x42}

// STUN/TURN attribute types used by this module.
const (
	attrMappedAddress      = 0x0001
	attrUsername           = 0x0006
	attrMessageIntegrity   = 0x0008
	attrErrorCode          = 0x0009
	attrLifetime           = 0x000D // RFC 5766
	attrXorPeerAddress     = 0x0012 // RFC 5766
	attrXorRelayedAddress  = 0x0016 // RFC 5766
	attrRequestedTransport = 0x0019 // RFC 5766
	attrXorMappedAddress   = 0x0020
	attrFingerprint        = 0x8028
)

const fingerprintXor = 0x5354554e

// transportUDP is the REQUESTED-TRANSPORT protocol number for UDP (RFC 5766 Section 14.7).
const transportUDP = 17

// Message is a decoded STUN or TURN message; both protocols share a wire
// format (RFC 5766 Section 3).
type Message struct {
	Class         uint16
	Method        uint16
	TransactionID [12]byte
	Attributes    []Attr
}

// Attr is a single STUN attribute, with its value already unpadded.
type Attr struct {
	Type  uint16
	Value []byte
}

var (
	ErrMalformed  = xerrors.New("ice: malformed STUN message")
	ErrNotSTUN    = xerrors.New("ice: not a STUN message")
	ErrNoSuchAttr = xerrors.New("ice: attribute not present")
)

// NewRequest builds a STUN/TURN request with a fresh random transaction ID.
func NewRequest(method uint16) *Message {
	m := &Message{Class: classRequest, Method: method}
	rand.Read(m.TransactionID[:])
	return m
}

// NewBindingRequest builds a STUN Binding request.
func NewBindingRequest() *Message {
	return NewRequest(methodBinding)
}

// NewAllocateRequest builds a TURN Allocate request for a UDP relay with the
// given lifetime in seconds (RFC 5766 Section 6.1).
func NewAllocateRequest(lifetimeSeconds uint32) *Message {
	m := NewRequest(methodAllocate)
	m.addAttr(attrRequestedTransport, []byte{transportUDP, 0, 0, 0})
	if lifetimeSeconds > 0 {
		lt := make([]byte, 4)
		binary.BigEndian.PutUint32(lt, lifetimeSeconds)
		m.addAttr(attrLifetime, lt)
	}
	return m
}

func (m *Message) addAttr(t uint16, v []byte) *Attr {
	m.Attributes = append(m.Attributes, Attr{t, append([]byte(nil), v...)})
	return &m.Attributes[len(m.Attributes)-1]
}

// Attribute returns the first attribute of the given type, if present.
func (m *Message) Attribute(t uint16) (Attr, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attr{}, false
}

// IsError reports whether this is a STUN/TURN error response.
func (m *Message) IsError() bool {
	return m.Class == classErrorResponse
}

// ErrorCode extracts the numeric code and reason phrase from an ERROR-CODE
// attribute (RFC 5389 Section 15.6).
func (m *Message) ErrorCode() (int, string, bool) {
	a, ok := m.Attribute(attrErrorCode)
	if !ok || len(a.Value) < 4 {
		return 0, "", false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return class*100 + number, string(a.Value[4:]), true
}

// Encode serializes the message to wire format, appending FINGERPRINT.
func (m *Message) Encode() []byte {
	var body bytes.Buffer
	for _, a := range m.Attributes {
		writeAttr(&body, a)
	}

	msgType := composeType(m.Class, m.Method)
	buf := make([]byte, headerLength+body.Len())
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(body.Len()))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], m.TransactionID[:])
	copy(buf[20:], body.Bytes())

	return appendFingerprint(buf)
}

// EncodeWithIntegrity serializes the message with a MESSAGE-INTEGRITY
// attribute (keyed by key) inserted just before FINGERPRINT, per RFC 5389
// Section 15.4.
func (m *Message) EncodeWithIntegrity(key []byte) []byte {
	var body bytes.Buffer
	for _, a := range m.Attributes {
		writeAttr(&body, a)
	}

	msgType := composeType(m.Class, m.Method)
	buf := make([]byte, headerLength+body.Len())
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(body.Len()))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], m.TransactionID[:])
	copy(buf[20:], body.Bytes())

	buf = addMessageIntegrity(buf, key)
	return appendFingerprint(buf)
}

func addMessageIntegrity(buf []byte, key []byte) []byte {
	withPlaceholder := appendAttrRaw(buf, attrMessageIntegrity, make([]byte, sha1.Size))
	mac := hmac.New(sha1.New, key)
	mac.Write(withPlaceholder[:len(withPlaceholder)-(4+sha1.Size)])
	sum := mac.Sum(nil)
	copy(withPlaceholder[len(withPlaceholder)-sha1.Size:], sum)
	return withPlaceholder
}

func appendFingerprint(buf []byte) []byte {
	withPlaceholder := appendAttrRaw(buf, attrFingerprint, make([]byte, 4))
	crc := crc32.ChecksumIEEE(withPlaceholder[:len(withPlaceholder)-8])
	binary.BigEndian.PutUint32(withPlaceholder[len(withPlaceholder)-4:], crc^fingerprintXor)
	return withPlaceholder
}

// appendAttrRaw appends an attribute and fixes up the message length field
// in the header to account for it.
func appendAttrRaw(buf []byte, t uint16, value []byte) []byte {
	var a bytes.Buffer
	writeAttr(&a, Attr{t, value})

	out := append(append([]byte(nil), buf...), a.Bytes()...)
	newLength := uint16(len(out) - headerLength)
	binary.BigEndian.PutUint16(out[2:4], newLength)
	return out
}

func writeAttr(b *bytes.Buffer, a Attr) {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], a.Type)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
	b.Write(hdr[:])
	b.Write(a.Value)
	if pad := pad4(len(a.Value)); pad > 0 {
		b.Write(make([]byte, pad))
	}
}

func pad4(n int) int {
	return -n & 3
}

func composeType(class, method uint16) uint16 {
	const (
		classMask1  = 0x0100
		classMask2  = 0x0010
		methodMask1 = 0x3e00
		methodMask2 = 0x00e0
		methodMask3 = 0x000f
	)
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

func decomposeType(t uint16) (class, method uint16) {
	const (
		classMask1  = 0x0100
		classMask2  = 0x0010
		methodMask1 = 0x3e00
		methodMask2 = 0x00e0
		methodMask3 = 0x000f
	)
	class = (t&classMask1)>>7 | (t&classMask2)>>4
	method = (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return
}

// Decode parses a STUN/TURN message. Returns ErrNotSTUN if data does not
// look like one, so callers can demux it alongside RTP/RTCP/DTLS.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, ErrNotSTUN
	}
	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType>>14 != 0 {
		return nil, ErrNotSTUN
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil, ErrNotSTUN
	}
	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, ErrNotSTUN
	}
	if int(length) > len(data)-headerLength {
		return nil, ErrMalformed
	}

	class, method := decomposeType(msgType)
	m := &Message{Class: class, Method: method}
	copy(m.TransactionID[:], data[8:20])

	body := data[20 : 20+int(length)]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, ErrMalformed
		}
		t := binary.BigEndian.Uint16(body[0:2])
		l := binary.BigEndian.Uint16(body[2:4])
		if int(l) > len(body)-4 {
			return nil, ErrMalformed
		}
		value := append([]byte(nil), body[4:4+int(l)]...)
		m.Attributes = append(m.Attributes, Attr{t, value})
		body = body[4+int(l)+pad4(int(l)):]
	}
	return m, nil
}

// IsSTUN reports whether data looks like a STUN/TURN message, for use as a
// demux predicate alongside rtp.Classify.
func IsSTUN(data []byte) bool {
	_, err := Decode(data)
	return err == nil
}

func (m *Message) String() string {
	return fmt.Sprintf("STUN class=%d method=%#x tid=%s attrs=%d",
		m.Class, m.Method, hex.EncodeToString(m.TransactionID[:]), len(m.Attributes))
}

// SetXorMappedAddress writes an XOR-MAPPED-ADDRESS attribute (RFC 5389
// Section 15.2).
func (m *Message) SetXorMappedAddress(addr *net.UDPAddr) {
	setXorAddress(m, attrXorMappedAddress, addr)
}

func setXorAddress(m *Message, attrType uint16, addr *net.UDPAddr) {
	var value []byte
	xPort := uint16(addr.Port) ^ uint16(magicCookie>>16)
	if ip4 := addr.IP.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = 0x01
		binary.BigEndian.PutUint16(value[2:4], xPort)
		copy(value[4:8], ip4)
		xorBytes(value[4:8], magicCookieBytes)
	} else {
		value = make([]byte, 20)
		value[1] = 0x02
		binary.BigEndian.PutUint16(value[2:4], xPort)
		copy(value[4:20], addr.IP.To16())
		xorBytes(value[4:8], magicCookieBytes)
		xorBytes(value[8:20], m.TransactionID[:])
	}
	m.addAttr(attrType, value)
}

func xorAddress(a Attr, transactionID [12]byte) (*net.UDPAddr, error) {
	if len(a.Value) < 8 {
		return nil, ErrMalformed
	}
	family := a.Value[1]
	port := binary.BigEndian.Uint16(a.Value[2:4]) ^ uint16(magicCookie>>16)

	switch family {
	case 0x01:
		ip := append([]byte(nil), a.Value[4:8]...)
		xorBytes(ip, magicCookieBytes)
		return &net.UDPAddr{IP: net.IP(ip), Port: int(port)}, nil
	case 0x02:
		if len(a.Value) < 20 {
			return nil, ErrMalformed
		}
		ip := append([]byte(nil), a.Value[4:20]...)
		xorBytes(ip[0:4], magicCookieBytes)
		xorBytes(ip[4:16], transactionID[:])
		return &net.UDPAddr{IP: net.IP(ip), Port: int(port)}, nil
	default:
		return nil, ErrMalformed
	}
}

func plainAddress(a Attr) (*net.UDPAddr, error) {
	if len(a.Value) < 8 {
		return nil, ErrMalformed
	}
	family := a.Value[1]
	port := binary.BigEndian.Uint16(a.Value[2:4])
	switch family {
	case 0x01:
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), a.Value[4:8]...)), Port: int(port)}, nil
	case 0x02:
		if len(a.Value) < 20 {
			return nil, ErrMalformed
		}
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), a.Value[4:20]...)), Port: int(port)}, nil
	default:
		return nil, ErrMalformed
	}
}

// MappedAddress extracts MAPPED-ADDRESS or XOR-MAPPED-ADDRESS from a
// Binding success response.
func (m *Message) MappedAddress() (*net.UDPAddr, error) {
	if a, ok := m.Attribute(attrXorMappedAddress); ok {
		return xorAddress(a, m.TransactionID)
	}
	if a, ok := m.Attribute(attrMappedAddress); ok {
		return plainAddress(a)
	}
	return nil, ErrNoSuchAttr
}

// RelayedAddress extracts XOR-RELAYED-ADDRESS from a TURN Allocate success
// response (RFC 5766 Section 14.5).
func (m *Message) RelayedAddress() (*net.UDPAddr, error) {
	a, ok := m.Attribute(attrXorRelayedAddress)
	if !ok {
		return nil, ErrNoSuchAttr
	}
	return xorAddress(a, m.TransactionID)
}

func xorBytes(dst, key []byte) {
	for i := range dst {
		dst[i] ^= key[i]
	}
}
