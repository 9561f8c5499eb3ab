package rtp

// RTP packetization of Opus audio, per RFC 7587. Opus frames map one-to-one
// onto RTP packets: each encoded frame becomes exactly one packet's payload,
// with no fragmentation or aggregation.

// OpusPacketizer wraps encoded Opus frames in RTP packets. It keeps no
// timestamp of its own: each packet carries the RTP timestamp the caller
// passes to Packetize.
type OpusPacketizer struct {
	writer *Writer
}

func NewOpusPacketizer(writer *Writer) *OpusPacketizer {
	return &OpusPacketizer{writer: writer}
}

// Packetize wraps one encoded Opus frame into a single RTP packet stamped
// with timestamp (48kHz clock). The marker bit is unused for audio.
func (p *OpusPacketizer) Packetize(frame []byte, timestamp uint32) Packet {
	hdr, index := p.writer.Next(PayloadTypeOpus, false, timestamp)
	buf := append([]byte(nil), frame...)
	return Packet{Header: hdr, Payload: buf, Index: index}
}

// OpusDepacketizer extracts encoded Opus frames from RTP packets. Since
// Opus payloads map one-to-one onto packets, this is a thin pass-through
// that exists to keep the H.264 and Opus receive paths symmetric.
type OpusDepacketizer struct{}

// Depacketize returns the packet's payload as a single Opus frame.
func (OpusDepacketizer) Depacketize(payload []byte) []byte {
	return payload
}
