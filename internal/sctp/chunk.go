// Package sctp implements a simplified Stream Control Transmission
// Protocol association (RFC 4960) sufficient for a single ordered,
// reliable data channel running on top of DTLS's application-data
// tunnel. Only the chunk types this core uses are implemented: DATA,
// INIT, INIT-ACK, SACK, COOKIE-ECHO, COOKIE-ACK, SHUTDOWN,
// SHUTDOWN-ACK, SHUTDOWN-COMPLETE.
package sctp

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/packet"
)

const (
	commonHeaderSize = 12 // source port(2) dest port(2) verification tag(4) checksum(4)
	chunkHeaderSize  = 4  // type(1) flags(1) length(2)
)

// DefaultPort is the well-known SCTP port both sides use for the
// DTLS-tunneled data channel association.
const DefaultPort = 5000

// ChunkType identifies an SCTP chunk (RFC 4960 Section 3.2).
type ChunkType byte

const (
	ChunkData             ChunkType = 0
	ChunkInit             ChunkType = 1
	ChunkInitAck          ChunkType = 2
	ChunkSack             ChunkType = 3
	ChunkShutdown         ChunkType = 7
	ChunkShutdownAck      ChunkType = 8
	ChunkCookieEcho       ChunkType = 10
	ChunkCookieAck        ChunkType = 11
	ChunkShutdownComplete ChunkType = 14
)

// CommonHeader is the fixed 12-byte SCTP packet header (RFC 4960 Section
// 3.1). The checksum is always zero in this implementation: DTLS already
// authenticates the datagram, so the CRC32c adds nothing.
type CommonHeader struct {
	SourcePort      uint16
	DestinationPort uint16
	VerificationTag uint32
}

func (h CommonHeader) writeTo(w *packet.Writer) {
	w.WriteUint16(h.SourcePort)
	w.WriteUint16(h.DestinationPort)
	w.WriteUint32(h.VerificationTag)
	w.WriteUint32(0) // checksum, unused
}

func (h *CommonHeader) readFrom(r *packet.Reader) error {
	if err := r.CheckRemaining(commonHeaderSize); err != nil {
		return xerrors.Errorf("sctp: common header: %w", err)
	}
	h.SourcePort = r.ReadUint16()
	h.DestinationPort = r.ReadUint16()
	h.VerificationTag = r.ReadUint32()
	r.Skip(4) // checksum
	return nil
}

// DataChunk carries one user message fragment (this implementation never
// fragments: one Send call is always one DataChunk).
type DataChunk struct {
	TSN               uint32
	StreamID          uint16
	StreamSequence    uint16
	PayloadProtocolID uint32
	Unordered         bool
	BeginFragment     bool
	EndFragment       bool
	Payload           []byte
}

const (
	dataFlagEnd       = 1 << 0
	dataFlagBegin     = 1 << 1
	dataFlagUnordered = 1 << 2
)

func (c DataChunk) encode() []byte {
	length := chunkHeaderSize + 12 + len(c.Payload)
	w := packet.NewWriterSize(align4(length))
	var flags byte
	if c.EndFragment {
		flags |= dataFlagEnd
	}
	if c.BeginFragment {
		flags |= dataFlagBegin
	}
	if c.Unordered {
		flags |= dataFlagUnordered
	}
	w.WriteByte(byte(ChunkData))
	w.WriteByte(flags)
	w.WriteUint16(uint16(length))
	w.WriteUint32(c.TSN)
	w.WriteUint16(c.StreamID)
	w.WriteUint16(c.StreamSequence)
	w.WriteUint32(c.PayloadProtocolID)
	w.WriteSlice(c.Payload)
	w.Align(4)
	return w.Bytes()
}

func decodeDataChunk(flags byte, body []byte) (DataChunk, error) {
	r := packet.NewReader(body)
	if err := r.CheckRemaining(12); err != nil {
		return DataChunk{}, xerrors.Errorf("sctp: DATA chunk: %w", err)
	}
	c := DataChunk{
		EndFragment:       flags&dataFlagEnd != 0,
		BeginFragment:     flags&dataFlagBegin != 0,
		Unordered:         flags&dataFlagUnordered != 0,
		TSN:               r.ReadUint32(),
		StreamID:          r.ReadUint16(),
		StreamSequence:    r.ReadUint16(),
		PayloadProtocolID: r.ReadUint32(),
	}
	c.Payload = append([]byte(nil), r.ReadRemaining()...)
	return c, nil
}

// InitChunk is sent by the client to begin the four-way handshake.
type InitChunk struct {
	InitiateTag      uint32
	AdvertisedWindow uint32
	OutboundStreams  uint16
	InboundStreams   uint16
	InitialTSN       uint32
}

func (c InitChunk) encode() []byte {
	length := chunkHeaderSize + 16
	w := packet.NewWriterSize(align4(length))
	w.WriteByte(byte(ChunkInit))
	w.WriteByte(0)
	w.WriteUint16(uint16(length))
	w.WriteUint32(c.InitiateTag)
	w.WriteUint32(c.AdvertisedWindow)
	w.WriteUint16(c.OutboundStreams)
	w.WriteUint16(c.InboundStreams)
	w.WriteUint32(c.InitialTSN)
	return w.Bytes()
}

func decodeInitChunk(body []byte) (InitChunk, error) {
	r := packet.NewReader(body)
	if err := r.CheckRemaining(16); err != nil {
		return InitChunk{}, xerrors.Errorf("sctp: INIT chunk: %w", err)
	}
	return InitChunk{
		InitiateTag:      r.ReadUint32(),
		AdvertisedWindow: r.ReadUint32(),
		OutboundStreams:  r.ReadUint16(),
		InboundStreams:   r.ReadUint16(),
		InitialTSN:       r.ReadUint32(),
	}, nil
}

// InitAckChunk is the server's reply to INIT, carrying the state cookie
// the client must echo back.
type InitAckChunk struct {
	InitiateTag      uint32
	AdvertisedWindow uint32
	OutboundStreams  uint16
	InboundStreams   uint16
	InitialTSN       uint32
	Cookie           []byte
}

func (c InitAckChunk) encode() []byte {
	length := chunkHeaderSize + 16 + 4 + len(c.Cookie)
	w := packet.NewWriterSize(align4(length))
	w.WriteByte(byte(ChunkInitAck))
	w.WriteByte(0)
	w.WriteUint16(uint16(length))
	w.WriteUint32(c.InitiateTag)
	w.WriteUint32(c.AdvertisedWindow)
	w.WriteUint16(c.OutboundStreams)
	w.WriteUint16(c.InboundStreams)
	w.WriteUint32(c.InitialTSN)
	w.WriteUint16(uint16(len(c.Cookie)))
	w.WriteUint16(0) // reserved, keeps the cookie length field 4-byte aligned
	w.WriteSlice(c.Cookie)
	w.Align(4)
	return w.Bytes()
}

func decodeInitAckChunk(body []byte) (InitAckChunk, error) {
	r := packet.NewReader(body)
	if err := r.CheckRemaining(20); err != nil {
		return InitAckChunk{}, xerrors.Errorf("sctp: INIT-ACK chunk: %w", err)
	}
	c := InitAckChunk{
		InitiateTag:      r.ReadUint32(),
		AdvertisedWindow: r.ReadUint32(),
		OutboundStreams:  r.ReadUint16(),
		InboundStreams:   r.ReadUint16(),
		InitialTSN:       r.ReadUint32(),
	}
	n := int(r.ReadUint16())
	r.Skip(2)
	if err := r.CheckRemaining(n); err != nil {
		return InitAckChunk{}, xerrors.Errorf("sctp: INIT-ACK cookie: %w", err)
	}
	c.Cookie = append([]byte(nil), r.ReadSlice(n)...)
	return c, nil
}

// GapAckBlock describes a contiguous range of TSNs received beyond the
// cumulative TSN ack point, expressed as offsets from it (RFC 4960
// Section 3.3.4).
type GapAckBlock struct {
	Start uint16
	End   uint16
}

// SackChunk acknowledges received DATA chunks.
type SackChunk struct {
	CumulativeTSNAck uint32
	AdvertisedWindow uint32
	GapAckBlocks     []GapAckBlock
}

func (c SackChunk) encode() []byte {
	length := chunkHeaderSize + 12 + 4*len(c.GapAckBlocks)
	w := packet.NewWriterSize(align4(length))
	w.WriteByte(byte(ChunkSack))
	w.WriteByte(0)
	w.WriteUint16(uint16(length))
	w.WriteUint32(c.CumulativeTSNAck)
	w.WriteUint32(c.AdvertisedWindow)
	w.WriteUint16(uint16(len(c.GapAckBlocks)))
	w.WriteUint16(0) // number of duplicate TSNs, unused
	for _, g := range c.GapAckBlocks {
		w.WriteUint16(g.Start)
		w.WriteUint16(g.End)
	}
	w.Align(4)
	return w.Bytes()
}

func decodeSackChunk(body []byte) (SackChunk, error) {
	r := packet.NewReader(body)
	if err := r.CheckRemaining(12); err != nil {
		return SackChunk{}, xerrors.Errorf("sctp: SACK chunk: %w", err)
	}
	c := SackChunk{
		CumulativeTSNAck: r.ReadUint32(),
		AdvertisedWindow: r.ReadUint32(),
	}
	numGaps := int(r.ReadUint16())
	r.Skip(2) // number of duplicate TSNs
	for i := 0; i < numGaps; i++ {
		if err := r.CheckRemaining(4); err != nil {
			return SackChunk{}, xerrors.Errorf("sctp: SACK gap block: %w", err)
		}
		c.GapAckBlocks = append(c.GapAckBlocks, GapAckBlock{Start: r.ReadUint16(), End: r.ReadUint16()})
	}
	return c, nil
}

func encodeEmptyChunk(t ChunkType) []byte {
	w := packet.NewWriterSize(chunkHeaderSize)
	w.WriteByte(byte(t))
	w.WriteByte(0)
	w.WriteUint16(chunkHeaderSize)
	return w.Bytes()
}

// CookieEchoChunk carries the opaque cookie the server produced in its
// INIT-ACK, unchanged.
type CookieEchoChunk struct {
	Cookie []byte
}

func (c CookieEchoChunk) encode() []byte {
	length := chunkHeaderSize + len(c.Cookie)
	w := packet.NewWriterSize(align4(length))
	w.WriteByte(byte(ChunkCookieEcho))
	w.WriteByte(0)
	w.WriteUint16(uint16(length))
	w.WriteSlice(c.Cookie)
	w.Align(4)
	return w.Bytes()
}

func decodeCookieEchoChunk(body []byte) CookieEchoChunk {
	return CookieEchoChunk{Cookie: append([]byte(nil), body...)}
}

// packetChunk is one parsed chunk with its header fields, as read off the
// wire before being narrowed to its specific type.
type packetChunk struct {
	chunkType ChunkType
	flags     byte
	body      []byte
}

func parseChunks(b []byte) ([]packetChunk, error) {
	var chunks []packetChunk
	for len(b) > 0 {
		if len(b) < chunkHeaderSize {
			return nil, xerrors.New("sctp: truncated chunk header")
		}
		t := ChunkType(b[0])
		flags := b[1]
		length := int(b[2])<<8 | int(b[3])
		if length < chunkHeaderSize || length > len(b) {
			return nil, xerrors.New("sctp: invalid chunk length")
		}
		body := b[chunkHeaderSize:length]
		chunks = append(chunks, packetChunk{chunkType: t, flags: flags, body: body})
		b = b[align4(length):]
	}
	return chunks, nil
}

// buildPacket wraps one or more already-encoded chunks in a common header.
func buildPacket(tag uint32, chunks ...[]byte) []byte {
	total := commonHeaderSize
	for _, c := range chunks {
		total += len(c)
	}
	w := packet.NewWriterSize(total)
	hdr := CommonHeader{SourcePort: DefaultPort, DestinationPort: DefaultPort, VerificationTag: tag}
	hdr.writeTo(w)
	for _, c := range chunks {
		w.WriteSlice(c)
	}
	return w.Bytes()
}

func align4(n int) int {
	return (n + 3) &^ 3
}
