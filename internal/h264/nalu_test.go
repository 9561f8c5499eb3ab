package h264

import (
	"bytes"
	"testing"
)

func TestSplitAnnexBFourByteStartCodes(t *testing.T) {
	stream := []byte{
		0, 0, 0, 1, 0x67, 0x01, 0x02, 0x03,
		0, 0, 0, 1, 0x68, 0x04, 0x05,
	}
	nalus := SplitAnnexB(stream)
	if len(nalus) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(nalus))
	}
	if !bytes.Equal(nalus[0], []byte{0x67, 0x01, 0x02, 0x03}) {
		t.Errorf("first NAL = %x", nalus[0])
	}
	if !bytes.Equal(nalus[1], []byte{0x68, 0x04, 0x05}) {
		t.Errorf("second NAL = %x", nalus[1])
	}
}

func TestSplitAnnexBThreeByteStartCode(t *testing.T) {
	stream := []byte{0, 0, 1, 0x65, 0xaa, 0xbb}
	nalus := SplitAnnexB(stream)
	if len(nalus) != 1 || !bytes.Equal(nalus[0], []byte{0x65, 0xaa, 0xbb}) {
		t.Fatalf("got %v", nalus)
	}
}

func TestSplitAnnexBNoStartCode(t *testing.T) {
	stream := []byte{0x65, 0xaa, 0xbb}
	nalus := SplitAnnexB(stream)
	if len(nalus) != 1 || !bytes.Equal(nalus[0], stream) {
		t.Fatalf("expected single NAL unit treating whole stream as one unit, got %v", nalus)
	}
}

func TestSplitAnnexBEmpty(t *testing.T) {
	if nalus := SplitAnnexB(nil); nalus != nil {
		t.Fatalf("expected nil, got %v", nalus)
	}
}

func TestIsParameterSet(t *testing.T) {
	if !IsParameterSet([]byte{TypeSPS}) {
		t.Error("SPS should be a parameter set")
	}
	if !IsParameterSet([]byte{TypePPS}) {
		t.Error("PPS should be a parameter set")
	}
	if IsParameterSet([]byte{TypeIDR}) {
		t.Error("IDR should not be a parameter set")
	}
}

func TestAppendStartCode(t *testing.T) {
	got := AppendStartCode(nil, []byte{0x65, 0x01})
	want := []byte{0, 0, 0, 1, 0x65, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("AppendStartCode() = %x, want %x", got, want)
	}
}
