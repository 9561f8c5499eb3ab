package sctp

import (
	"bytes"
	"testing"

	"github.com/lanikai/p2pcall/internal/packet"
)

func TestCommonHeaderRoundTrip(t *testing.T) {
	hdr := CommonHeader{SourcePort: DefaultPort, DestinationPort: DefaultPort, VerificationTag: 0xDEADBEEF}
	w := packet.NewWriterSize(commonHeaderSize)
	hdr.writeTo(w)

	var got CommonHeader
	if err := (&got).readFrom(packet.NewReader(w.Bytes())); err != nil {
		t.Fatalf("readFrom: %v", err)
	}
	if got != hdr {
		t.Errorf("got %+v, want %+v", got, hdr)
	}
}

func TestDataChunkRoundTrip(t *testing.T) {
	c := DataChunk{
		TSN: 42, StreamID: 1, StreamSequence: 7, PayloadProtocolID: 53,
		BeginFragment: true, EndFragment: true, Payload: []byte("hello world"),
	}
	encoded := c.encode()
	if len(encoded)%4 != 0 {
		t.Errorf("encoded chunk length %d is not 4-byte aligned", len(encoded))
	}
	flags := encoded[1]
	length := int(encoded[2])<<8 | int(encoded[3])
	body := encoded[chunkHeaderSize:length]

	got, err := decodeDataChunk(flags, body)
	if err != nil {
		t.Fatalf("decodeDataChunk: %v", err)
	}
	if got.TSN != c.TSN || got.StreamID != c.StreamID || got.StreamSequence != c.StreamSequence ||
		got.PayloadProtocolID != c.PayloadProtocolID || !got.BeginFragment || !got.EndFragment {
		t.Errorf("got %+v, want %+v", got, c)
	}
	if !bytes.Equal(got.Payload, c.Payload) {
		t.Errorf("payload mismatch: got %q, want %q", got.Payload, c.Payload)
	}
}

func TestInitAndInitAckRoundTrip(t *testing.T) {
	init := InitChunk{InitiateTag: 1, AdvertisedWindow: 1 << 20, OutboundStreams: 1, InboundStreams: 1, InitialTSN: 1000}
	got, err := decodeInitChunk(init.encode()[chunkHeaderSize:])
	if err != nil {
		t.Fatalf("decodeInitChunk: %v", err)
	}
	if got != init {
		t.Errorf("got %+v, want %+v", got, init)
	}

	ack := InitAckChunk{InitiateTag: 2, AdvertisedWindow: 1 << 20, OutboundStreams: 1, InboundStreams: 1, InitialTSN: 2000, Cookie: []byte("opaque-cookie")}
	gotAck, err := decodeInitAckChunk(ack.encode()[chunkHeaderSize:])
	if err != nil {
		t.Fatalf("decodeInitAckChunk: %v", err)
	}
	if gotAck.InitiateTag != ack.InitiateTag || gotAck.InitialTSN != ack.InitialTSN || !bytes.Equal(gotAck.Cookie, ack.Cookie) {
		t.Errorf("got %+v, want %+v", gotAck, ack)
	}
}

func TestSackChunkRoundTrip(t *testing.T) {
	sack := SackChunk{
		CumulativeTSNAck: 100,
		AdvertisedWindow: 1 << 20,
		GapAckBlocks:     []GapAckBlock{{Start: 2, End: 2}, {Start: 5, End: 9}},
	}
	got, err := decodeSackChunk(sack.encode()[chunkHeaderSize:])
	if err != nil {
		t.Fatalf("decodeSackChunk: %v", err)
	}
	if got.CumulativeTSNAck != sack.CumulativeTSNAck || len(got.GapAckBlocks) != len(sack.GapAckBlocks) {
		t.Fatalf("got %+v, want %+v", got, sack)
	}
	for i := range sack.GapAckBlocks {
		if got.GapAckBlocks[i] != sack.GapAckBlocks[i] {
			t.Errorf("block %d: got %v, want %v", i, got.GapAckBlocks[i], sack.GapAckBlocks[i])
		}
	}
}

func TestParseChunksWalksMultipleChunks(t *testing.T) {
	pkt := buildPacket(0x1234,
		encodeEmptyChunk(ChunkCookieAck),
		SackChunk{CumulativeTSNAck: 5, AdvertisedWindow: 1 << 16}.encode(),
	)
	chunks, err := parseChunks(pkt[commonHeaderSize:])
	if err != nil {
		t.Fatalf("parseChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].chunkType != ChunkCookieAck {
		t.Errorf("first chunk type = %v, want ChunkCookieAck", chunks[0].chunkType)
	}
	if chunks[1].chunkType != ChunkSack {
		t.Errorf("second chunk type = %v, want ChunkSack", chunks[1].chunkType)
	}
}

func TestParseChunksRejectsTruncatedLength(t *testing.T) {
	malformed := []byte{byte(ChunkData), 0, 0xFF, 0xFF}
	if _, err := parseChunks(malformed); err == nil {
		t.Error("expected an error for a chunk claiming more bytes than present")
	}
}
