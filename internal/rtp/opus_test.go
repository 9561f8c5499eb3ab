package rtp

import "testing"

func TestOpusPacketizeDepacketizeRoundTrip(t *testing.T) {
	w := NewWriter(1)
	p := NewOpusPacketizer(w)

	frame := []byte{0x01, 0x02, 0x03}
	pkt := p.Packetize(frame, 960)

	if pkt.Header.PayloadType != PayloadTypeOpus {
		t.Errorf("payload type = %d, want %d", pkt.Header.PayloadType, PayloadTypeOpus)
	}
	if pkt.Header.Timestamp != 960 {
		t.Errorf("timestamp = %d, want 960", pkt.Header.Timestamp)
	}

	var d OpusDepacketizer
	got := d.Depacketize(pkt.Payload)
	if string(got) != string(frame) {
		t.Errorf("Depacketize() = %v, want %v", got, frame)
	}
}

func TestOpusPacketizeSequenceAdvances(t *testing.T) {
	w := NewWriter(1)
	p := NewOpusPacketizer(w)

	first := p.Packetize([]byte{0}, 0)
	second := p.Packetize([]byte{0}, 960)

	if second.Header.Sequence != first.Header.Sequence+1 {
		t.Errorf("sequence did not advance by one: %d -> %d", first.Header.Sequence, second.Header.Sequence)
	}
}
