// Package rtcp implements the RTP Control Protocol (RFC 3550 Section 6)
// packet types exchanged by a media session: Sender Report, Receiver
// Report, and Goodbye. Source Description and payload-specific feedback are
// out of scope; a periodic Sender Report is the core's only congestion
// signal.
package rtcp

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/logging"
	"github.com/lanikai/p2pcall/internal/packet"
)

var log = logging.DefaultLogger.WithTag("rtcp")

const (
	version        = 2
	headerSize     = 4
	reportSize     = 6 * 4
	senderInfoSize = 24 // sender SSRC plus the 20-byte sender info block
)

// PacketType identifies the RTCP packet types the core produces or
// consumes. See https://www.iana.org/assignments/rtp-parameters.
type PacketType byte

const (
	TypeSenderReport   PacketType = 200
	TypeReceiverReport PacketType = 201
	TypeSourceDesc     PacketType = 202
	TypeGoodbye        PacketType = 203
)

// Header is the 4-byte prefix shared by every RTCP packet; the meaning of
// Count depends on Type.
type Header struct {
	Padding bool
	Count   byte
	Type    PacketType
	Length  uint16 // packet length in 32-bit words, minus one
}

func (h Header) writeTo(w *packet.Writer) error {
	if h.Count > 31 {
		return xerrors.Errorf("rtcp: report count %d exceeds 5 bits", h.Count)
	}
	b := byte(version) << 6
	if h.Padding {
		b |= 1 << 5
	}
	b |= h.Count & 0x1f
	w.WriteByte(b)
	w.WriteByte(byte(h.Type))
	w.WriteUint16(h.Length)
	return nil
}

func (h *Header) readFrom(r *packet.Reader) error {
	if err := r.CheckRemaining(headerSize); err != nil {
		return xerrors.Errorf("rtcp: %w", err)
	}
	b := r.ReadByte()
	if v := b >> 6; v != version {
		return xerrors.Errorf("rtcp: unsupported version %d", v)
	}
	h.Padding = b&(1<<5) != 0
	h.Count = b & 0x1f
	h.Type = PacketType(r.ReadByte())
	h.Length = r.ReadUint16()
	return nil
}

// Report is a per-source reception report block, carried in both Sender
// and Receiver Reports. See RFC 3550 Section 6.4.1.
type Report struct {
	Source       uint32
	FractionLost float32 // fraction of packets lost since the last report
	TotalLost    int32   // cumulative packets lost over the session
	LastSequence uint32  // extended highest sequence number received
	Jitter       uint32  // interarrival jitter, in timestamp units
	LSR          uint32  // middle 32 bits of the NTP timestamp of the last SR
	DLSR         uint32  // delay since the last SR, in 1/65536 seconds
}

func (rep Report) writeTo(w *packet.Writer) {
	w.WriteUint32(rep.Source)
	w.WriteByte(byte(rep.FractionLost * 256))
	w.WriteUint24(uint32(rep.TotalLost))
	w.WriteUint32(rep.LastSequence)
	w.WriteUint32(rep.Jitter)
	w.WriteUint32(rep.LSR)
	w.WriteUint32(rep.DLSR)
}

func (rep *Report) readFrom(r *packet.Reader) {
	rep.Source = r.ReadUint32()
	rep.FractionLost = float32(r.ReadByte()) / 256
	rep.TotalLost = int32(r.ReadUint24())
	rep.LastSequence = r.ReadUint32()
	rep.Jitter = r.ReadUint32()
	rep.LSR = r.ReadUint32()
	rep.DLSR = r.ReadUint32()
}

// SenderReport is sent periodically by an active sender, per RFC 3550
// Section 6.4.1.
type SenderReport struct {
	SSRC         uint32
	NTPTimestamp uint64 // 32.32 fixed-point NTP timestamp
	RTPTimestamp uint32
	PacketCount  uint32
	OctetCount   uint32
	Reports      []Report
}

// Encode serializes sr as a standalone RTCP packet.
func (sr SenderReport) Encode() ([]byte, error) {
	length := (headerSize + senderInfoSize + len(sr.Reports)*reportSize)
	w := packet.NewWriterSize(length)
	h := Header{Type: TypeSenderReport, Count: byte(len(sr.Reports)), Length: uint16(length/4 - 1)}
	if err := h.writeTo(w); err != nil {
		return nil, err
	}
	w.WriteUint32(sr.SSRC)
	w.WriteUint64(sr.NTPTimestamp)
	w.WriteUint32(sr.RTPTimestamp)
	w.WriteUint32(sr.PacketCount)
	w.WriteUint32(sr.OctetCount)
	for _, rep := range sr.Reports {
		rep.writeTo(w)
	}
	return w.Bytes(), nil
}

func decodeSenderReport(r *packet.Reader, h Header) (*SenderReport, error) {
	if err := r.CheckRemaining(senderInfoSize); err != nil {
		return nil, xerrors.Errorf("rtcp: malformed sender report: %w", err)
	}
	sr := &SenderReport{
		SSRC:         r.ReadUint32(),
		NTPTimestamp: r.ReadUint64(),
		RTPTimestamp: r.ReadUint32(),
		PacketCount:  r.ReadUint32(),
		OctetCount:   r.ReadUint32(),
	}
	for i := byte(0); i < h.Count; i++ {
		if err := r.CheckRemaining(reportSize); err != nil {
			return nil, xerrors.Errorf("rtcp: malformed sender report: %w", err)
		}
		var rep Report
		rep.readFrom(r)
		sr.Reports = append(sr.Reports, rep)
	}
	return sr, nil
}

// ReceiverReport is sent periodically by a participant that is not an
// active sender, per RFC 3550 Section 6.4.2.
type ReceiverReport struct {
	SSRC    uint32
	Reports []Report
}

// Encode serializes rr as a standalone RTCP packet.
func (rr ReceiverReport) Encode() ([]byte, error) {
	length := headerSize + 4 + len(rr.Reports)*reportSize
	w := packet.NewWriterSize(length)
	h := Header{Type: TypeReceiverReport, Count: byte(len(rr.Reports)), Length: uint16(length/4 - 1)}
	if err := h.writeTo(w); err != nil {
		return nil, err
	}
	w.WriteUint32(rr.SSRC)
	for _, rep := range rr.Reports {
		rep.writeTo(w)
	}
	return w.Bytes(), nil
}

func decodeReceiverReport(r *packet.Reader, h Header) (*ReceiverReport, error) {
	if err := r.CheckRemaining(4); err != nil {
		return nil, xerrors.Errorf("rtcp: malformed receiver report: %w", err)
	}
	rr := &ReceiverReport{SSRC: r.ReadUint32()}
	for i := byte(0); i < h.Count; i++ {
		if err := r.CheckRemaining(reportSize); err != nil {
			return nil, xerrors.Errorf("rtcp: malformed receiver report: %w", err)
		}
		var rep Report
		rep.readFrom(r)
		rr.Reports = append(rr.Reports, rep)
	}
	return rr, nil
}

// Goodbye announces a source is leaving the session, per RFC 3550 Section
// 6.6.
type Goodbye struct {
	SSRC   uint32
	Reason string
}

// Encode serializes bye as a standalone RTCP packet.
func (bye Goodbye) Encode() ([]byte, error) {
	reasonLen := 0
	if bye.Reason != "" {
		reasonLen = 1 + len(bye.Reason)
	}
	length := headerSize + 4 + reasonLen
	// Round up to the next 32-bit boundary.
	padded := 4 * ((length + 3) / 4)

	w := packet.NewWriterSize(padded)
	h := Header{Type: TypeGoodbye, Count: 1, Length: uint16(padded/4 - 1)}
	if err := h.writeTo(w); err != nil {
		return nil, err
	}
	w.WriteUint32(bye.SSRC)
	if bye.Reason != "" {
		w.WriteByte(byte(len(bye.Reason)))
		if err := w.WriteString(bye.Reason); err != nil {
			return nil, err
		}
	}
	w.Align(4)
	return w.Bytes(), nil
}

func decodeGoodbye(r *packet.Reader, h Header) (*Goodbye, error) {
	if err := r.CheckRemaining(4); err != nil {
		return nil, xerrors.Errorf("rtcp: malformed goodbye: %w", err)
	}
	bye := &Goodbye{SSRC: r.ReadUint32()}
	if r.Remaining() > 0 {
		n := int(r.ReadByte())
		if err := r.CheckRemaining(n); err != nil {
			return nil, xerrors.Errorf("rtcp: malformed goodbye reason: %w", err)
		}
		bye.Reason = string(r.ReadSlice(n))
	}
	return bye, nil
}

// Decode parses a compound RTCP packet (one or more individual packets
// concatenated, per RFC 3550 Section 6.1) and returns the recognized
// packets in order. Unrecognized packet types are skipped.
func Decode(buf []byte) ([]interface{}, error) {
	r := packet.NewReader(buf)
	var packets []interface{}
	for r.Remaining() > 0 {
		var h Header
		if err := h.readFrom(r); err != nil {
			return packets, err
		}
		bodyLen := 4 * int(h.Length)
		if err := r.CheckRemaining(bodyLen); err != nil {
			return packets, xerrors.Errorf("rtcp: %w", err)
		}
		body := packet.NewReader(r.ReadSlice(bodyLen))

		switch h.Type {
		case TypeSenderReport:
			sr, err := decodeSenderReport(body, h)
			if err != nil {
				return packets, err
			}
			packets = append(packets, sr)
		case TypeReceiverReport:
			rr, err := decodeReceiverReport(body, h)
			if err != nil {
				return packets, err
			}
			packets = append(packets, rr)
		case TypeGoodbye:
			bye, err := decodeGoodbye(body, h)
			if err != nil {
				return packets, err
			}
			packets = append(packets, bye)
		default:
			log.Debug("skipping unrecognized RTCP packet type %d", h.Type)
		}
	}
	return packets, nil
}
