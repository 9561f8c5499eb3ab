package rtcp

import "testing"

func TestSenderReportRoundTrip(t *testing.T) {
	sr := SenderReport{
		SSRC:         0x1234,
		NTPTimestamp: 0x1122334455667788,
		RTPTimestamp: 90000,
		PacketCount:  42,
		OctetCount:   1024,
		Reports: []Report{
			{Source: 0x5678, FractionLost: 0.5, TotalLost: 3, LastSequence: 99, Jitter: 7, LSR: 1, DLSR: 2},
		},
	}

	buf, err := sr.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	packets, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	got, ok := packets[0].(*SenderReport)
	if !ok {
		t.Fatalf("decoded packet is %T, want *SenderReport", packets[0])
	}
	if got.SSRC != sr.SSRC || got.RTPTimestamp != sr.RTPTimestamp || got.PacketCount != sr.PacketCount {
		t.Errorf("got %+v, want %+v", got, sr)
	}
	if len(got.Reports) != 1 || got.Reports[0].Source != sr.Reports[0].Source {
		t.Errorf("reports = %+v", got.Reports)
	}
}

func TestReceiverReportRoundTrip(t *testing.T) {
	rr := ReceiverReport{SSRC: 1, Reports: []Report{{Source: 2, TotalLost: 5}}}
	buf, err := rr.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	packets, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := packets[0].(*ReceiverReport)
	if !ok {
		t.Fatalf("decoded packet is %T, want *ReceiverReport", packets[0])
	}
	if got.SSRC != 1 || got.Reports[0].TotalLost != 5 {
		t.Errorf("got %+v", got)
	}
}

func TestGoodbyeRoundTrip(t *testing.T) {
	for _, reason := range []string{"", "camera off"} {
		bye := Goodbye{SSRC: 0xabcd, Reason: reason}
		buf, err := bye.Encode()
		if err != nil {
			t.Fatalf("Encode(%q): %v", reason, err)
		}
		packets, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%q): %v", reason, err)
		}
		got, ok := packets[0].(*Goodbye)
		if !ok {
			t.Fatalf("decoded packet is %T, want *Goodbye", packets[0])
		}
		if got.SSRC != bye.SSRC || got.Reason != bye.Reason {
			t.Errorf("got %+v, want %+v", got, bye)
		}
	}
}

func TestDecodeCompoundPacket(t *testing.T) {
	sr, _ := SenderReport{SSRC: 1, Reports: nil}.Encode()
	bye, _ := Goodbye{SSRC: 1}.Encode()

	compound := append(append([]byte{}, sr...), bye...)
	packets, err := Decode(compound)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if _, ok := packets[0].(*SenderReport); !ok {
		t.Errorf("packets[0] is %T, want *SenderReport", packets[0])
	}
	if _, ok := packets[1].(*Goodbye); !ok {
		t.Errorf("packets[1] is %T, want *Goodbye", packets[1])
	}
}
