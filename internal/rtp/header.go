// Package rtp implements the RTP Data Transfer Protocol (RFC 3550) header
// codec, the H.264 and Opus packetizers built on top of it, and the stateful
// read/write helpers a media session needs to run a stream.
package rtp

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/packet"
)

// Fixed RTP payload types used by the core. Codec negotiation beyond this
// fixed pair is out of scope.
const (
	PayloadTypeH264    byte = 96
	PayloadTypeOpus    byte = 111
	PayloadTypeControl byte = 127

	// RTP clock rates for the two media types.
	VideoClockRate uint32 = 90000
	AudioClockRate uint32 = 48000

	version     = 2
	headerSize  = 12
	maxCSRCs    = 15
)

// Header is the fixed 12-byte RTP header plus any CSRC identifiers, as
// defined in RFC 3550 Section 5.1. All multi-byte fields are big-endian.
type Header struct {
	Padding     bool
	Extension   bool
	Marker      bool
	PayloadType byte // 7 bits
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32
}

// Len returns the serialized length of the header, including CSRCs.
func (h Header) Len() int {
	return headerSize + 4*len(h.CSRC)
}

// Encode serializes header and payload into a single RTP packet.
func Encode(h Header, payload []byte) ([]byte, error) {
	w := packet.NewWriterSize(h.Len() + len(payload))
	if err := h.writeTo(w); err != nil {
		return nil, err
	}
	if err := w.WriteSlice(payload); err != nil {
		return nil, xerrors.Errorf("rtp: encode payload: %w", err)
	}
	return w.Bytes(), nil
}

// ErrMalformedHeader is returned by Decode when buf is too short to contain
// a valid RTP header.
var ErrMalformedHeader = xerrors.New("rtp: malformed header")

// Decode parses an RTP packet into its header and payload. The returned
// payload aliases buf.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < headerSize {
		return Header{}, nil, ErrMalformedHeader
	}
	r := packet.NewReader(buf)
	var h Header
	if err := h.readFrom(r); err != nil {
		return Header{}, nil, err
	}
	return h, r.ReadRemaining(), nil
}

func (h Header) writeTo(w *packet.Writer) error {
	if len(h.CSRC) > maxCSRCs {
		return xerrors.Errorf("rtp: too many CSRC identifiers: %d", len(h.CSRC))
	}
	w.WriteByte(joinByte2114(version, h.Padding, h.Extension, byte(len(h.CSRC))))
	w.WriteByte(joinByte17(h.Marker, h.PayloadType))
	w.WriteUint16(h.Sequence)
	w.WriteUint32(h.Timestamp)
	w.WriteUint32(h.SSRC)
	for _, csrc := range h.CSRC {
		w.WriteUint32(csrc)
	}
	return nil
}

func (h *Header) readFrom(r *packet.Reader) error {
	if err := r.CheckRemaining(headerSize); err != nil {
		return ErrMalformedHeader
	}

	v, padding, extension, csrcCount := splitByte2114(r.ReadByte())
	if v != version {
		return xerrors.Errorf("rtp: unsupported version %d", v)
	}
	if err := r.CheckRemaining(1 + 2 + 4 + 4 + 4*int(csrcCount)); err != nil {
		return ErrMalformedHeader
	}
	h.Padding = padding
	h.Extension = extension
	h.Marker, h.PayloadType = splitByte17(r.ReadByte())
	h.Sequence = r.ReadUint16()
	h.Timestamp = r.ReadUint32()
	h.SSRC = r.ReadUint32()
	h.CSRC = nil
	for i := 0; i < int(csrcCount); i++ {
		h.CSRC = append(h.CSRC, r.ReadUint32())
	}
	return nil
}

// joinByte2114 packs a 2-bit version, two 1-bit flags, and a 4-bit count into
// a single byte: VV P X CCCC.
func joinByte2114(version byte, p, x bool, cc byte) byte {
	b := version << 6
	if p {
		b |= 1 << 5
	}
	if x {
		b |= 1 << 4
	}
	return b | (cc & 0x0f)
}

func splitByte2114(b byte) (version byte, p, x bool, cc byte) {
	version = b >> 6
	p = b&(1<<5) != 0
	x = b&(1<<4) != 0
	cc = b & 0x0f
	return
}

// joinByte17 packs a 1-bit marker flag and a 7-bit payload type: M PPPPPPP.
func joinByte17(m bool, pt byte) byte {
	b := pt & 0x7f
	if m {
		b |= 0x80
	}
	return b
}

func splitByte17(b byte) (m bool, pt byte) {
	return b&0x80 != 0, b & 0x7f
}

// SerialGreater reports whether a is "greater than" b using RFC 1982 serial
// number arithmetic over 16-bit sequence numbers.
func SerialGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// SerialGreater32 is the 32-bit analog of SerialGreater, used for RTP
// timestamps and SCTP TSNs.
func SerialGreater32(a, b uint32) bool {
	return int32(a-b) > 0
}
