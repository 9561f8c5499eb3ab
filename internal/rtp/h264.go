package rtp

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/h264"
	"github.com/lanikai/p2pcall/internal/packet"
)

// RTP packetization of H.264 video streams, per RFC 6184.

// H264Packetizer fragments an Annex-B H.264 byte stream into RTP packets,
// tracking the running timestamp across calls. SPS/PPS/SEI units are
// aggregated into a STAP-A packet and flushed ahead of the next coded
// picture, per RFC 6184 Section 5.7.1.
type H264Packetizer struct {
	writer *Writer
	mtu    int // maximum RTP payload size, excluding the 12-byte RTP header

	timestampIncrement uint32
	timestamp          uint32

	stap []byte
}

// NewH264Packetizer creates a packetizer emitting packets no larger than mtu
// bytes of H.264 payload, advancing the RTP timestamp by round(90000/fps)
// for every coded picture.
func NewH264Packetizer(writer *Writer, mtu int, fps float64) *H264Packetizer {
	return &H264Packetizer{
		writer:             writer,
		mtu:                mtu,
		timestampIncrement: uint32(float64(VideoClockRate)/fps + 0.5),
	}
}

// Packet is a fully encoded RTP packet ready for SRTP protection and
// transmission.
type Packet struct {
	Header  Header
	Payload []byte
	Index   uint64 // extended packet index, for SRTP
}

// Packetize consumes one coded picture's worth of Annex-B NAL units
// (already split, in emission order) and returns the RTP packets carrying
// it. The RTP marker bit is set on the last packet of the picture.
func (p *H264Packetizer) Packetize(nalus [][]byte) ([]Packet, error) {
	var out []Packet
	var picture [][]byte

	// Separate parameter sets, which get aggregated into a leading STAP-A,
	// from the coded slice data that follows.
	for _, nalu := range nalus {
		if h264.IsParameterSet(nalu) {
			p.stap = appendSTAP(p.stap, nalu)
		} else {
			picture = append(picture, nalu)
		}
	}

	if len(p.stap) > 0 {
		pkt, err := p.writePacket(false, p.stap)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
		p.stap = p.stap[:0]
	}

	for i, nalu := range picture {
		last := i == len(picture)-1
		pkts, err := p.packetizeOne(nalu, last)
		if err != nil {
			return nil, err
		}
		out = append(out, pkts...)
	}

	p.timestamp += p.timestampIncrement
	return out, nil
}

func (p *H264Packetizer) packetizeOne(nalu []byte, lastOfPicture bool) ([]Packet, error) {
	if len(nalu) <= p.mtu {
		pkt, err := p.writePacket(lastOfPicture, nalu)
		if err != nil {
			return nil, err
		}
		return []Packet{pkt}, nil
	}
	return p.packetizeFUA(nalu, lastOfPicture)
}

// packetizeFUA fragments nalu into a sequence of FU-A packets, per RFC 6184
// Section 5.8. The first fragment carries the start bit; the last fragment
// carries the end bit and, if this was the last NAL unit of the frame, the
// RTP marker bit. All fragments share the same RTP timestamp.
func (p *H264Packetizer) packetizeFUA(nalu []byte, lastOfPicture bool) ([]Packet, error) {
	indicator := nalu[0]&0xe0 | h264.TypeFUA
	naluType := h264.Type(nalu)

	// Each fragment carries a 2-byte FU header in addition to its share of
	// the original NAL unit payload (excluding the 1-byte NAL header).
	chunk := p.mtu - 2
	if chunk <= 0 {
		return nil, xerrors.Errorf("rtp: MTU too small for FU-A fragmentation")
	}

	body := nalu[1:]
	var out []Packet
	for offset := 0; offset < len(body); offset += chunk {
		end := offset + chunk
		if end > len(body) {
			end = len(body)
		}
		start := offset == 0
		last := end == len(body)

		header := naluType
		if start {
			header |= 0x80
		}
		if last {
			header |= 0x40
		}

		w := packet.NewWriterSize(2 + (end - offset))
		w.WriteByte(indicator)
		w.WriteByte(header)
		if err := w.WriteSlice(body[offset:end]); err != nil {
			return nil, err
		}

		marker := last && lastOfPicture
		pkt, err := p.writePacket(marker, w.Bytes())
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

func (p *H264Packetizer) writePacket(marker bool, payload []byte) (Packet, error) {
	hdr, index := p.writer.Next(PayloadTypeH264, marker, p.timestamp)
	buf := append([]byte(nil), payload...)
	return Packet{Header: hdr, Payload: buf, Index: index}, nil
}

// appendSTAP merges nalu into a growing STAP-A aggregation packet, per RFC
// 6184 Section 5.7.1: a 2-byte big-endian length prefix ahead of each
// aggregated unit, with the STAP-A header's forbidden bit and NRI set to
// the union/maximum across all aggregated units.
func appendSTAP(stap, nalu []byte) []byte {
	if len(stap) == 0 {
		stap = append(stap, h264.TypeSTAPA)
	}
	n := len(nalu)
	stap = append(stap, byte(n>>8), byte(n))
	stap = append(stap, nalu...)

	stap[0] |= nalu[0] & 0x80 // forbidden bit
	if nri := nalu[0] & 0x60; nri > stap[0]&0x60 {
		stap[0] = stap[0]&^0x60 | nri
	}
	return stap
}

// splitSTAP decomposes a STAP-A aggregation packet into its constituent NAL
// units.
func splitSTAP(buf []byte) ([][]byte, error) {
	var nalus [][]byte
	r := packet.NewReader(buf)
	r.Skip(1)
	for r.Remaining() > 0 {
		if err := r.CheckRemaining(2); err != nil {
			return nil, xerrors.Errorf("rtp: malformed STAP-A: %w", err)
		}
		n := int(r.ReadUint16())
		if err := r.CheckRemaining(n); err != nil {
			return nil, xerrors.Errorf("rtp: malformed STAP-A: %w", err)
		}
		nalus = append(nalus, r.ReadSlice(n))
	}
	return nalus, nil
}

// H264Depacketizer reassembles NAL units from a sequence of RTP packets,
// handling Single-NAL, STAP-A, and FU-A payload structures.
type H264Depacketizer struct {
	fu        []byte // in-progress FU-A reassembly buffer
	fuSSRC    uint32
	timestamp uint32
	hasTS     bool
}

// NAL is a single reconstructed NAL unit, prefixed with the Annex-B start
// code, along with the RTP timestamp it was carried on.
type NAL struct {
	Bytes     []byte
	Timestamp uint32
}

// Depacketize consumes one RTP packet and returns zero or more complete NAL
// units. If the packet's timestamp differs from an in-progress FU-A
// reassembly, the partial buffer is discarded before the new packet is
// processed.
func (d *H264Depacketizer) Depacketize(hdr Header, payload []byte) ([]NAL, error) {
	if len(payload) == 0 {
		return nil, xerrors.Errorf("rtp: empty H.264 payload")
	}

	if d.fu != nil && (hdr.Timestamp != d.timestamp || hdr.SSRC != d.fuSSRC) {
		d.fu = nil
	}

	switch h264.Type(payload) {
	case h264.TypeSTAPA:
		nalus, err := splitSTAP(payload)
		if err != nil {
			return nil, err
		}
		out := make([]NAL, 0, len(nalus))
		for _, nalu := range nalus {
			out = append(out, NAL{Bytes: h264.AppendStartCode(nil, nalu), Timestamp: hdr.Timestamp})
		}
		return out, nil

	case h264.TypeFUA:
		return d.depacketizeFUA(hdr, payload)

	default:
		return []NAL{{Bytes: h264.AppendStartCode(nil, payload), Timestamp: hdr.Timestamp}}, nil
	}
}

func (d *H264Depacketizer) depacketizeFUA(hdr Header, payload []byte) ([]NAL, error) {
	if len(payload) < 2 {
		return nil, xerrors.Errorf("rtp: malformed FU-A payload")
	}
	indicator := payload[0]
	header := payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		d.fu = append([]byte(nil), h264.StartCode...)
		fnri := indicator & 0xe0
		naluType := header & 0x1f
		d.fu = append(d.fu, fnri|naluType)
		d.timestamp = hdr.Timestamp
		d.fuSSRC = hdr.SSRC
	} else if d.fu == nil {
		// Missing the start fragment; wait for the next one.
		return nil, nil
	}

	d.fu = append(d.fu, payload[2:]...)

	if !end {
		return nil, nil
	}

	nalu := d.fu
	d.fu = nil
	return []NAL{{Bytes: nalu, Timestamp: hdr.Timestamp}}, nil
}
